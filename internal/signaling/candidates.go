package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/pion/webrtc/v3"
)

// CandidateSet accumulates the ICE candidates seen for one call. Order of
// arrival does not affect the resulting set.
type CandidateSet struct {
	mu    sync.Mutex
	items map[string]json.RawMessage
}

func NewCandidateSet() *CandidateSet {
	return &CandidateSet{items: make(map[string]json.RawMessage)}
}

// Add stores blob and reports whether it was not already present
func (s *CandidateSet) Add(blob json.RawMessage) bool {
	key := CandidateKey(blob)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[key]; ok {
		return false
	}
	s.items[key] = append(json.RawMessage(nil), blob...)
	return true
}

// Candidates returns the stored blobs in key order
func (s *CandidateSet) Candidates() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.items[k])
	}
	return out
}

func (s *CandidateSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// CandidateKey identifies a candidate blob. Blobs that decode as an
// RTCIceCandidateInit are keyed by candidate line, mid and m-line index so
// that field order and whitespace do not matter; anything else is keyed by
// its compacted bytes.
func CandidateKey(blob json.RawMessage) string {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(blob, &init); err == nil && init.Candidate != "" {
		mid, idx := "", ""
		if init.SDPMid != nil {
			mid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			idx = fmt.Sprint(*init.SDPMLineIndex)
		}
		return init.Candidate + "|" + mid + "|" + idx
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, blob); err != nil {
		return string(blob)
	}
	return buf.String()
}
