package catalog

import "testing"

func TestCatalogUniqueIDs(t *testing.T) {
	seen := map[uint16]string{}
	for _, g := range Groups() {
		for _, id := range Group(g) {
			if prev, ok := seen[id.ID]; ok {
				t.Fatalf("identifier 0x%04X used by %s and %s", id.ID, prev, id.Name)
			}
			seen[id.ID] = id.Name
		}
	}
}

func TestLookup(t *testing.T) {
	id, ok := Lookup(GroupBattery, "voltage")
	if !ok || id.ID != 0x01B0 || !id.Writable {
		t.Fatalf("voltage lookup: %+v ok=%v", id, ok)
	}
	if _, ok := Lookup(GroupEngine, "voltage"); ok {
		t.Fatalf("lookup must be scoped to its group")
	}
	if id, ok := Lookup(GroupSystem, "flash_software_version"); !ok || id.ID != FlashSoftwareVersion {
		t.Fatalf("flash version lookup: %+v", id)
	}
}

func TestGroupReturnsCopy(t *testing.T) {
	g := Group(GroupEngine)
	if len(g) != 11 {
		t.Fatalf("engine identifiers=%d", len(g))
	}
	g[0].Name = "mutated"
	if Group(GroupEngine)[0].Name != "engine_rpm" {
		t.Fatalf("Group leaked internal slice")
	}
}
