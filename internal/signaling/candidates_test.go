package signaling

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func candidateBlob(i int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"candidate":"candidate:%d 1 UDP 2122260223 192.168.1.%d 5000%d typ host","sdpMid":"0","sdpMLineIndex":0}`, i, i, i))
}

func TestCandidateSet_AddDeduplicates(t *testing.T) {
	set := NewCandidateSet()

	assert.True(t, set.Add(candidateBlob(1)))
	assert.False(t, set.Add(candidateBlob(1)))

	// same candidate, different field order and spacing
	reordered := json.RawMessage(`{ "sdpMLineIndex": 0, "sdpMid": "0", "candidate": "candidate:1 1 UDP 2122260223 192.168.1.1 50001 typ host" }`)
	assert.False(t, set.Add(reordered))

	assert.True(t, set.Add(candidateBlob(2)))
	assert.Equal(t, 2, set.Len())
}

func TestCandidateSet_OpaqueBlobs(t *testing.T) {
	set := NewCandidateSet()

	assert.True(t, set.Add(json.RawMessage(`{"foo": 1}`)))
	assert.False(t, set.Add(json.RawMessage(`{"foo":1}`)))
	assert.True(t, set.Add(json.RawMessage(`"end-of-candidates"`)))
	assert.Equal(t, 2, set.Len())
}

func TestCandidateSet_OrderIndependent(t *testing.T) {
	blobs := make([]json.RawMessage, 12)
	for i := range blobs {
		blobs[i] = candidateBlob(i)
	}

	reference := NewCandidateSet()
	for _, b := range blobs {
		reference.Add(b)
	}

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		shuffled := append([]json.RawMessage(nil), blobs...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		// replay some to exercise duplicates
		shuffled = append(shuffled, shuffled[:round%len(shuffled)]...)

		set := NewCandidateSet()
		for _, b := range shuffled {
			set.Add(b)
		}
		assert.Equal(t, reference.Candidates(), set.Candidates())
	}
}

func TestCandidateSet_ConcurrentAdd(t *testing.T) {
	set := NewCandidateSet()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				set.Add(candidateBlob(i))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, set.Len())
}
