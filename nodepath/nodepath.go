// Package nodepath maps a file block index to the chain of node slots
// that reaches it.  The node tree of an inode has four regions:
//
//	level 0: addresses stored in the inode block itself
//	level 1: two direct node blocks
//	level 2: two indirect blocks, each pointing at direct node blocks
//	level 3: one double-indirect block of indirect blocks
//
// Every node of a file also has a node offset: its position in a fixed
// depth-first numbering of all the nodes the file could have (the
// inode is 0).  Truncation uses node offsets to account for the nodes
// it has freed, so they must agree exactly with what allocation
// stamped into each node's footer.
package nodepath

import (
	"fmt"
)

const NidsPerInode = 5

type Geometry struct {
	AddrsPerInode uint64 // data addresses inside the inode block
	AddrsPerBlock uint64 // data addresses per direct node block
	NidsPerBlock  uint64 // child nids per indirect node block
}

// Slot numbers of the inode's nid array, counted after the inode's
// data addresses.
func (g Geometry) NodeDir1Block() uint64 { return g.AddrsPerInode + 1 }
func (g Geometry) NodeDir2Block() uint64 { return g.AddrsPerInode + 2 }
func (g Geometry) NodeInd1Block() uint64 { return g.AddrsPerInode + 3 }
func (g Geometry) NodeInd2Block() uint64 { return g.AddrsPerInode + 4 }
func (g Geometry) NodeDindBlock() uint64 { return g.AddrsPerInode + 5 }

// InodeNidSlot converts Offset[0] of a path of level >= 1 into an
// index of the inode's nid array.
func (g Geometry) InodeNidSlot(off0 uint64) uint64 {
	if off0 < g.NodeDir1Block() || off0 > g.NodeDindBlock() {
		panic(fmt.Sprintf("InodeNidSlot: %d", off0))
	}
	return off0 - g.NodeDir1Block()
}

func (g Geometry) indirectBlks() uint64 {
	return g.AddrsPerBlock * g.NidsPerBlock
}

func (g Geometry) dindirectBlks() uint64 {
	return g.indirectBlks() * g.NidsPerBlock
}

// MaxBlocks returns the number of file blocks the tree can address.
func (g Geometry) MaxBlocks() uint64 {
	return g.AddrsPerInode + 2*g.AddrsPerBlock + 2*g.indirectBlks() + g.dindirectBlks()
}

// MaxNodes returns how many nodes a fully populated file has,
// including its inode.
func (g Geometry) MaxNodes() uint64 {
	return 6 + 2*g.NidsPerBlock + g.NidsPerBlock*(g.NidsPerBlock+1)
}

func (g Geometry) Valid() bool {
	return g.AddrsPerInode > 0 && g.AddrsPerBlock > 0 && g.NidsPerBlock > 0
}

type Path struct {
	Level   int
	Offset  [4]uint64 // slot taken at each level
	NOffset [4]uint64 // node offset of the node reached at each level
}

func (p Path) String() string {
	return fmt.Sprintf("level %d offset %v noffset %v", p.Level,
		p.Offset[:p.Level+1], p.NOffset[:p.Level+1])
}

// Resolve computes the path to file block bn.  bn must be below
// MaxBlocks; sizes are validated by the layer above, so an index past
// the double-indirect region is a bug.
func (g Geometry) Resolve(bn uint64) Path {
	directIndex := g.AddrsPerInode
	directBlks := g.AddrsPerBlock
	dptrsPerBlk := g.NidsPerBlock
	indirectBlks := g.indirectBlks()
	dindirectBlks := g.dindirectBlks()

	var p Path
	block := bn

	if block < directIndex {
		p.Offset[0] = block
		p.Level = 0
		return p
	}
	block -= directIndex
	if block < directBlks {
		p.Offset[0] = g.NodeDir1Block()
		p.NOffset[1] = 1
		p.Offset[1] = block
		p.Level = 1
		return p
	}
	block -= directBlks
	if block < directBlks {
		p.Offset[0] = g.NodeDir2Block()
		p.NOffset[1] = 2
		p.Offset[1] = block
		p.Level = 1
		return p
	}
	block -= directBlks
	if block < indirectBlks {
		p.Offset[0] = g.NodeInd1Block()
		p.NOffset[1] = 3
		p.Offset[1] = block / directBlks
		p.NOffset[2] = 4 + p.Offset[1]
		p.Offset[2] = block % directBlks
		p.Level = 2
		return p
	}
	block -= indirectBlks
	if block < indirectBlks {
		p.Offset[0] = g.NodeInd2Block()
		p.NOffset[1] = 4 + dptrsPerBlk
		p.Offset[1] = block / directBlks
		p.NOffset[2] = 5 + dptrsPerBlk + p.Offset[1]
		p.Offset[2] = block % directBlks
		p.Level = 2
		return p
	}
	block -= indirectBlks
	if block < dindirectBlks {
		p.Offset[0] = g.NodeDindBlock()
		p.NOffset[1] = 5 + dptrsPerBlk*2
		p.Offset[1] = block / indirectBlks
		p.NOffset[2] = 6 + dptrsPerBlk*2 + p.Offset[1]*(dptrsPerBlk+1)
		p.Offset[2] = (block / directBlks) % dptrsPerBlk
		p.NOffset[3] = 7 + dptrsPerBlk*2 + p.Offset[1]*(dptrsPerBlk+1) + p.Offset[2]
		p.Offset[3] = block % directBlks
		p.Level = 3
		return p
	}
	panic(fmt.Sprintf("Resolve: block %d beyond %d", bn, g.MaxBlocks()))
}

// Flatten is the inverse of Resolve.
func (g Geometry) Flatten(p Path) uint64 {
	if p.Level == 0 {
		return p.Offset[0]
	}
	base := g.AddrsPerInode
	switch p.Offset[0] {
	case g.NodeDir1Block():
		return base + p.Offset[1]
	case g.NodeDir2Block():
		return base + g.AddrsPerBlock + p.Offset[1]
	}
	base += 2 * g.AddrsPerBlock
	switch p.Offset[0] {
	case g.NodeInd1Block():
		return base + p.Offset[1]*g.AddrsPerBlock + p.Offset[2]
	case g.NodeInd2Block():
		return base + g.indirectBlks() + p.Offset[1]*g.AddrsPerBlock + p.Offset[2]
	case g.NodeDindBlock():
		base += 2 * g.indirectBlks()
		return base + p.Offset[1]*g.indirectBlks() + p.Offset[2]*g.AddrsPerBlock + p.Offset[3]
	}
	panic(fmt.Sprintf("Flatten: %v", p))
}

// StartOfNode returns the first file block addressed by the direct
// node with node offset nofs.  It returns false for the inode and for
// indirect nodes.
func (g Geometry) StartOfNode(nofs uint64) (uint64, bool) {
	n := g.NidsPerBlock
	switch {
	case nofs == 0:
		return 0, false
	case nofs == 1 || nofs == 2:
		return g.AddrsPerInode + (nofs-1)*g.AddrsPerBlock, true
	case nofs == 3 || nofs == 4+n || nofs == 5+2*n:
		return 0, false
	}
	base := g.AddrsPerInode + 2*g.AddrsPerBlock
	if nofs < 4+n {
		return base + (nofs-4)*g.AddrsPerBlock, true
	}
	base += g.indirectBlks()
	if nofs < 5+2*n {
		return base + (nofs-5-n)*g.AddrsPerBlock, true
	}
	base += g.indirectBlks()
	rel := nofs - (6 + 2*n)
	ind := rel / (n + 1)
	slot := rel % (n + 1)
	if slot == 0 {
		return 0, false
	}
	return base + ind*g.indirectBlks() + (slot-1)*g.AddrsPerBlock, true
}
