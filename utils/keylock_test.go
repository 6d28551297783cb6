package utils

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyLockSerializesSameKey(t *testing.T) {
	kl := NewKeyLock()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kl.Lock("a")
			counter++
			kl.Unlock("a")
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
}

func TestKeyLockReleasesEntries(t *testing.T) {
	kl := NewKeyLock()
	kl.Lock("a")
	kl.Lock("b")
	kl.Unlock("a")
	kl.Unlock("b")
	assert.Len(t, kl.locks, 0)
}

func TestKeyLockIndependentKeys(t *testing.T) {
	kl := NewKeyLock()
	kl.Lock("a")

	done := make(chan struct{})
	go func() {
		kl.Lock("b")
		kl.Unlock("b")
		close(done)
	}()
	<-done // a held, b still usable

	kl.Unlock("a")
}
