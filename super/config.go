package super

import (
	"github.com/BurntSushi/toml"

	"github.com/mit-pdos/go-nodefs/nodepath"
)

// Bytes of the checkpoint header before the NAT bitmap.
const CpHeaderSize uint64 = 64

// Config holds format parameters (used by Mkfs, then read back from
// the superblock) and runtime parameters (used by Mount).
type Config struct {
	// format
	LogBlocksPerSeg   uint64 `toml:"log_blocks_per_seg"`
	NatSegments       uint64 `toml:"nat_segments"`
	NatJournalEntries uint64 `toml:"nat_journal_entries"`
	AddrsPerInode     uint64 `toml:"addrs_per_inode"`
	AddrsPerBlock     uint64 `toml:"addrs_per_block"`
	NidsPerBlock      uint64 `toml:"nids_per_block"`

	// runtime
	NodeCacheSize uint64 `toml:"node_cache_size"` // node pages
	MetaCacheSize uint64 `toml:"meta_cache_size"` // NAT and checkpoint blocks
	FreeNidPages  uint64 `toml:"free_nid_pages"`  // NAT blocks scanned per build
	RaNodePages   uint64 `toml:"ra_node_pages"`   // sibling dnodes read ahead
	RamThresh     uint64 `toml:"ram_thresh"`      // percent of RAM for NAT and free nids
	TotalRAM      uint64 `toml:"total_ram"`       // bytes; 0 detects
}

func DefaultConfig() *Config {
	return &Config{
		LogBlocksPerSeg:   9,
		NatSegments:       1,
		NatJournalEntries: 38,
		AddrsPerInode:     DefAddrsPerInode,
		AddrsPerBlock:     DefAddrsPerBlock,
		NidsPerBlock:      DefNidsPerBlock,

		NodeCacheSize: 4096,
		MetaCacheSize: 512,
		FreeNidPages:  8,
		RaNodePages:   8,
		RamThresh:     10,
		TotalRAM:      0,
	}
}

func (cfg *Config) Geometry() nodepath.Geometry {
	return nodepath.Geometry{
		AddrsPerInode: cfg.AddrsPerInode,
		AddrsPerBlock: cfg.AddrsPerBlock,
		NidsPerBlock:  cfg.NidsPerBlock,
	}
}

// Budget returns the number of bytes the NAT cache, and separately
// the free nid pool, may use.
func (cfg *Config) Budget() uint64 {
	ram := cfg.TotalRAM
	if ram == 0 {
		ram = totalRAM()
	}
	return ram * cfg.RamThresh / 100 / 4
}

// LoadConfig overlays the TOML file at path onto the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Assumed when the host cannot report its memory.
const fallbackRAM uint64 = 1 << 30
