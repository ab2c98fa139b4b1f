package discovery

import "testing"

func TestHostInterfaces_NoError(t *testing.T) {
	if _, err := HostInterfaces(); err != nil {
		t.Fatalf("HostInterfaces failed: %v", err)
	}
}

func TestNamespaceInterfaces_MissingDirIsEmpty(t *testing.T) {
	result, err := NamespaceInterfaces("/no/such/netns/dir")
	if err != nil {
		t.Fatalf("NamespaceInterfaces failed: %v", err)
	}
	if len(result) != 0 {
		t.Fatalf("expected no namespaces, got %v", result)
	}
}
