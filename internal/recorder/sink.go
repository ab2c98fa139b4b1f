package recorder

import "github.com/lydian-project/lydian/internal/domain"

// Sink is a fan-out destination for recorded data (§4.8). The Manager
// skips a sink whose Enabled reports false; the Write methods themselves
// do not consult Enabled. A write error is logged by the Manager, which
// moves on rather than blocking the pipeline.
type Sink interface {
	Name() string
	Enabled() bool
	WriteTraffic(rec domain.TrafficRecord) error
	WriteResource(rec domain.ResourceRecord) error
	Close() error
}
