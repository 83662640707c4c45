package main

import (
	"fmt"
	"os"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v2"

	"github.com/pyropy/slotcluster/core/model"
)

// manifest is the desired set of chunks, read from YAML:
//
//	chunks:
//	  - id: a
//	    proxy: 10.0.0.1:6380
//	    backends: [10.0.0.1:6379]
//	    slots: 0-8191
type manifest struct {
	Chunks []manifestChunk `yaml:"chunks"`
}

type manifestChunk struct {
	ID        string   `yaml:"id"`
	Proxy     string   `yaml:"proxy"`
	Backends  []string `yaml:"backends"`
	ReplicaOf string   `yaml:"replica_of"`
	Slots     string   `yaml:"slots"`
}

func readManifest(path string) (manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return manifest{}, err
	}
	return parseManifest(raw)
}

func parseManifest(raw []byte) (manifest, error) {
	var m manifest
	if err := yaml.UnmarshalStrict(raw, &m); err != nil {
		return manifest{}, fmt.Errorf("invalid manifest: %w", err)
	}

	seen := make(map[string]bool, len(m.Chunks))
	for _, c := range m.Chunks {
		if c.ID == "" || c.Proxy == "" || len(c.Backends) == 0 {
			return manifest{}, fmt.Errorf("invalid manifest: chunk %q needs id, proxy and backends", c.ID)
		}
		if seen[c.ID] {
			return manifest{}, fmt.Errorf("invalid manifest: chunk %q listed twice", c.ID)
		}
		seen[c.ID] = true
	}

	return m, nil
}

// plan returns the delta that brings topo in line with the manifest. Apply
// only adds: slots owned elsewhere must be moved with a migration, and slots a
// chunk owns beyond the manifest are reported in notes.
func (m manifest) plan(topo model.Topology) (model.Delta, []string, error) {
	var (
		changes []model.Change
		notes   []string
	)

	for _, mc := range m.Chunks {
		var want model.SlotRanges
		if mc.Slots != "" {
			slots, err := model.ParseSlotRanges(mc.Slots)
			if err != nil {
				return model.Delta{}, nil, fmt.Errorf("chunk %s: %w", mc.ID, err)
			}
			want = slots
		}

		current, exists := topo.Chunk(mc.ID)
		if !exists {
			changes = append(changes, model.AddChunk(model.Chunk{ID: mc.ID, Proxy: mc.Proxy, Backends: mc.Backends, ReplicaOf: mc.ReplicaOf}))
		} else {
			if current.Proxy != mc.Proxy {
				return model.Delta{}, nil, fmt.Errorf("chunk %s: proxy is %s, manifest says %s", mc.ID, current.Proxy, mc.Proxy)
			}
			if current.ReplicaOf != mc.ReplicaOf {
				return model.Delta{}, nil, fmt.Errorf("chunk %s: replica_of is %q, manifest says %q", mc.ID, current.ReplicaOf, mc.ReplicaOf)
			}
			if !slices.Equal(current.Backends, mc.Backends) {
				changes = append(changes, model.SetBackends(mc.ID, mc.Backends))
			}
		}

		missing := want
		for _, r := range current.Slots {
			missing = missing.Subtract(r)
		}
		for _, r := range missing {
			for _, other := range topo.Chunks {
				if other.ID != mc.ID && other.Slots.Overlaps(r) {
					return model.Delta{}, nil, fmt.Errorf("chunk %s: slots %s are owned by %s, use migrate", mc.ID, r, other.ID)
				}
			}
			changes = append(changes, model.AssignSlots(mc.ID, r))
		}

		extra := current.Slots
		for _, r := range want {
			extra = extra.Subtract(r)
		}
		if len(extra) > 0 {
			notes = append(notes, fmt.Sprintf("chunk %s owns %s beyond the manifest", mc.ID, extra))
		}
	}

	return model.NewDelta(changes...), notes, nil
}
