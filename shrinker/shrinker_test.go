package shrinker

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mit-pdos/go-nodefs/common"
)

type fakeTree struct {
	mu      sync.Mutex
	held    map[common.Nid]bool
	left    map[common.Nid]uint64
	batches int
	err     error
}

func mkFakeTree() *fakeTree {
	return &fakeTree{held: make(map[common.Nid]bool), left: make(map[common.Nid]uint64)}
}

func (f *fakeTree) LockInode(ino common.Nid) {
	f.mu.Lock()
	f.held[ino] = true
}

func (f *fakeTree) UnlockInode(ino common.Nid) {
	f.held[ino] = false
	f.mu.Unlock()
}

func (f *fakeTree) ResumeTruncate(ino common.Nid, limit uint64) (bool, error) {
	if !f.held[ino] {
		panic("ResumeTruncate: inode not locked")
	}
	f.batches++
	if f.err != nil {
		return false, f.err
	}
	n := f.left[ino]
	if n > limit {
		n = limit
	}
	f.left[ino] -= n
	return f.left[ino] > 0, nil
}

func TestDoShrink(t *testing.T) {
	f := mkFakeTree()
	f.left[3] = 3*BatchNodes + 1
	s := MkShrinkerSt(f)
	assert.NoError(t, s.DoShrink(3))
	assert.Equal(t, uint64(0), f.left[3])
	assert.Equal(t, 4, f.batches)
}

func TestDoShrinkError(t *testing.T) {
	f := mkFakeTree()
	f.left[3] = 10 * BatchNodes
	f.err = common.ErrIO
	s := MkShrinkerSt(f)
	err := s.DoShrink(3)
	assert.True(t, errors.Is(err, common.ErrIO))
	assert.Equal(t, 1, f.batches)
}

func TestStartShrinker(t *testing.T) {
	f := mkFakeTree()
	s := MkShrinkerSt(f)
	for ino := common.Nid(1); ino <= 4; ino++ {
		f.left[ino] = uint64(ino) * BatchNodes
	}
	// running shrinkers own f.left
	for ino := common.Nid(1); ino <= 4; ino++ {
		s.StartShrinker(ino)
	}
	s.Shutdown()
	assert.Equal(t, uint32(0), s.Running())
	for ino := common.Nid(1); ino <= 4; ino++ {
		assert.Equal(t, uint64(0), f.left[ino])
	}
	assert.Equal(t, 10, f.batches)
}

func TestCrashStopsShrinker(t *testing.T) {
	f := mkFakeTree()
	f.left[7] = 100 * BatchNodes
	s := MkShrinkerSt(f)
	s.Crash()
	s.StartShrinker(7)
	s.Shutdown()
	assert.Equal(t, 1, f.batches)
	assert.Equal(t, 99*BatchNodes, f.left[7])
}
