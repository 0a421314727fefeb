package cache

import "fmt"

// EvictionPolicy selects which entry to evict when the local tier is at
// capacity.
type EvictionPolicy interface {
	SelectVictim(entries []*Entry) int
}

// NewEvictionPolicy returns the policy for a config name.
func NewEvictionPolicy(name string) (EvictionPolicy, error) {
	switch name {
	case "fifo":
		return &FIFOPolicy{}, nil
	case "lru":
		return &LRUPolicy{}, nil
	case "lfu":
		return &LFUPolicy{}, nil
	}
	return nil, fmt.Errorf("unknown eviction policy: %q", name)
}

// FIFOPolicy evicts the entry created first.
type FIFOPolicy struct{}

func (p *FIFOPolicy) SelectVictim(entries []*Entry) int {
	if len(entries) == 0 {
		return -1
	}
	oldestIdx := 0
	for i := 1; i < len(entries); i++ {
		if entries[i].CreatedAt.Before(entries[oldestIdx].CreatedAt) {
			oldestIdx = i
		}
	}
	return oldestIdx
}

// LRUPolicy evicts the entry accessed least recently.
type LRUPolicy struct{}

func (p *LRUPolicy) SelectVictim(entries []*Entry) int {
	if len(entries) == 0 {
		return -1
	}
	oldestIdx := 0
	for i := 1; i < len(entries); i++ {
		if entries[i].LastAccessAt.Before(entries[oldestIdx].LastAccessAt) {
			oldestIdx = i
		}
	}
	return oldestIdx
}

// LFUPolicy evicts the entry with the fewest hits, breaking ties by least
// recent access to avoid random selection.
type LFUPolicy struct{}

func (p *LFUPolicy) SelectVictim(entries []*Entry) int {
	if len(entries) == 0 {
		return -1
	}
	victimIdx := 0
	for i := 1; i < len(entries); i++ {
		if entries[i].HitCount < entries[victimIdx].HitCount {
			victimIdx = i
		} else if entries[i].HitCount == entries[victimIdx].HitCount {
			if entries[i].LastAccessAt.Before(entries[victimIdx].LastAccessAt) {
				victimIdx = i
			}
		}
	}
	return victimIdx
}
