// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package syncqueue_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/grailbio/zksync/syncqueue"
	"github.com/stretchr/testify/require"
)

func ExampleFIFO() {
	q := syncqueue.NewFIFO[string]()
	q.Put("item0")
	q.Put("item1")
	q.Close()
	v0, ok := q.Get()
	fmt.Println("Item 0:", v0, ok)
	v1, ok := q.Get()
	fmt.Println("Item 1:", v1, ok)
	v2, ok := q.Get()
	fmt.Printf("Item 2: %q %v\n", v2, ok)
	// Output:
	// Item 0: item0 true
	// Item 1: item1 true
	// Item 2: "" false
}

func TestFIFOWithThreads(t *testing.T) {
	q := syncqueue.NewFIFO[string]()
	ch := make(chan string, 3)

	// Check if "ch" has any data.
	chanEmpty := func() bool {
		select {
		case <-ch:
			return false
		default:
			return true
		}
	}

	go func() {
		for {
			val, ok := q.Get()
			if !ok {
				break
			}
			ch <- val
		}
	}()
	s := []string{}
	q.Put("item0")
	q.Put("item1")
	s = append(s, <-ch, <-ch)
	require.True(t, chanEmpty())

	q.Put("item2")
	s = append(s, <-ch)
	require.True(t, chanEmpty())

	require.Equal(t, []string{"item0", "item1", "item2"}, s)
	q.Close()
	q.Put("dropped")
	require.Equal(t, 0, q.Len())
}

func TestFIFOProducers(t *testing.T) {
	q := syncqueue.NewFIFO[int]()
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Put(p*100 + i)
			}
		}()
	}
	wg.Wait()
	q.Close()
	seen := map[int]bool{}
	last := map[int]int{0: -1, 1: -1, 2: -1, 3: -1}
	for {
		v, ok := q.Get()
		if !ok {
			break
		}
		seen[v] = true
		// Each producer's items arrive in order.
		require.Greater(t, v%100, last[v/100])
		last[v/100] = v % 100
	}
	require.Len(t, seen, 400)
}
