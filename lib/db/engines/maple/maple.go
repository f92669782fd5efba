package maple

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/deposit/lib/db"
	"github.com/ValentinKolb/deposit/lib/db/engines/maple/internal"
	"github.com/ValentinKolb/deposit/lib/db/util"
	"github.com/lni/dragonboat/v4/logger"
)

var plog = logger.GetLogger("maple")

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

// Constants for database behavior and structure
const (
	magicNum     = "MAPLEDB\x00" // File format identifier
	mapleVersion = 4             // Database version
	maxKeyLen    = 1 << 16       // Upper bound for a single key when loading
)

// --------------------------------------------------------------------------
// Core Maple database structure
// --------------------------------------------------------------------------

// mapleImpl implements an in-memory database with sharded data
type mapleImpl struct {
	mu        sync.RWMutex      // Guards shards/seed against Load; regular operations take the read lock
	numShards int               // Number of shards
	seed      uint64            // Seed for hash function
	shards    []*internal.Shard // Array of shards
	writes    atomic.Uint64     // Write counter, stamps every entry
	closed    atomic.Bool
}

// DBOptions configures the mapleImpl behavior during initialization
type DBOptions struct {
	NumShards int // Number of shards (0 = auto)
}

// DefaultOptions returns the default mapleImpl options
func DefaultOptions() *DBOptions {
	return &DBOptions{
		NumShards: runtime.NumCPU(), // Auto-determine based on CPU count
	}
}

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// NewMapleDB creates a new MapleDB instance with the specified options (optional)
func NewMapleDB(opts *DBOptions) db.KVDB {

	// Generate default options if not provided
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.NumShards <= 0 {
		opts.NumShards = runtime.NumCPU()
	}

	return &mapleImpl{
		numShards: opts.NumShards,
		seed:      util.GenerateSeed(),
		shards:    newShards(opts.NumShards),
	}
}

func newShards(n int) []*internal.Shard {
	shards := make([]*internal.Shard, n)
	for i := 0; i < n; i++ {
		shards[i] = internal.NewShard()
	}
	return shards
}

// shardFor returns the shard responsible for key. The caller must hold maple.mu.
func (maple *mapleImpl) shardFor(key string) *internal.Shard {
	return internal.GetShard(util.HashString(key, maple.seed), maple.shards)
}

// --------------------------------------------------------------------------
// Core KVDB Interface Methods - Write Operations
// --------------------------------------------------------------------------

// Set inserts or updates an entry with the given key and value.
// The value is copied, so the caller may reuse the slice.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Set(key string, value []byte) {
	maple.mu.RLock()
	defer maple.mu.RUnlock()

	// Copy value to prevent memory corruption
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	maple.shardFor(key).Data.Store(key, internal.Entry{
		Value:   valueCopy,
		Version: maple.writes.Add(1),
	})
}

// Delete removes an entry with the specified key. This change is immediate.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Delete(key string) {
	maple.mu.RLock()
	defer maple.mu.RUnlock()

	maple.shardFor(key).Data.Delete(key)
	maple.writes.Add(1)
}

// --------------------------------------------------------------------------
// Core KVDB Interface Methods - Read Operations
// --------------------------------------------------------------------------

// Get retrieves a value for a key.
// The returned value is a copy of the stored data and therefore safe to use and modify.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Get(key string) ([]byte, bool) {
	maple.mu.RLock()
	defer maple.mu.RUnlock()

	e, ok := maple.shardFor(key).Data.Load(key)
	if !ok {
		return nil, false
	}

	// case valid data -> copy data
	data := make([]byte, len(e.Value))
	copy(data, e.Value)
	return data, true
}

// Has checks if a key exists in the database.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Has(key string) bool {
	maple.mu.RLock()
	defer maple.mu.RUnlock()

	_, ok := maple.shardFor(key).Data.Load(key)
	return ok
}

// Keys returns all keys with the given prefix, sorted.
// Keys written concurrently with the scan may or may not be part of the result.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Keys(prefix string) []string {
	maple.mu.RLock()
	defer maple.mu.RUnlock()

	var keys []string
	for _, shard := range maple.shards {
		shard.Data.Range(func(key string, _ internal.Entry) bool {
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
			return true
		})
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of entries over all shards.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Len() int {
	maple.mu.RLock()
	defer maple.mu.RUnlock()

	n := 0
	for _, shard := range maple.shards {
		n += shard.Data.Size()
	}
	return n
}

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

// Save persists the database to the writer.
// Concurrent writes are allowed during Save, the snapshot is fuzzy.
//
// Thread-safety: This function allows concurrent operations with all other functions
// except Load.
func (maple *mapleImpl) Save(w io.Writer) error {
	// Use a buffered writer for better performance
	bw := bufio.NewWriterSize(w, 1024*1024) // 1 MB buffer

	type entryToSave struct {
		key   string
		value []byte
	}

	var entries []entryToSave

	maple.mu.RLock()
	for _, shard := range maple.shards {
		shard.Data.Range(func(key string, entry internal.Entry) bool {
			valueCopy := make([]byte, len(entry.Value))
			copy(valueCopy, entry.Value)
			entries = append(entries, entryToSave{key, valueCopy})
			return true
		})
	}
	maple.mu.RUnlock()

	// Write file header
	if _, err := bw.WriteString(magicNum); err != nil {
		return err
	}

	// Write maple version
	if err := binary.Write(bw, binary.LittleEndian, uint8(mapleVersion)); err != nil {
		return err
	}

	// Write total entries count
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(entries))); err != nil {
		return err
	}

	for _, item := range entries {

		// Write key length and key bytes
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(item.key))); err != nil {
			return err
		}
		if _, err := bw.WriteString(item.key); err != nil {
			return err
		}

		// Write value length and value bytes
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(item.value))); err != nil {
			return err
		}
		if _, err := bw.Write(item.value); err != nil {
			return err
		}
	}

	// Flush buffer to ensure all data is written
	return bw.Flush()
}

// Load replaces the database content with the snapshot read from r.
// On error the previous content is kept.
//
// Thread-safety: Load blocks all other operations while it swaps the shards.
func (maple *mapleImpl) Load(r io.Reader) error {

	// Use a buffered reader for better performance
	br := bufio.NewReaderSize(r, 1024*1024) // 1 MB buffer

	// Read and verify magic number
	magicBytes := make([]byte, len(magicNum))
	if _, err := io.ReadFull(br, magicBytes); err != nil {
		return err
	}

	if string(magicBytes) != magicNum {
		return fmt.Errorf("invalid file format: magic number mismatch")
	}

	// Read and verify version
	var version uint8
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return err
	}

	if int(version) != mapleVersion {
		return fmt.Errorf("unsupported version: %d (expected %d)", version, mapleVersion)
	}

	// Read entries count
	var count uint64
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return err
	}

	// Build the new shards before swapping them in
	seed := util.GenerateSeed()
	shards := newShards(maple.numShards)

	for i := uint64(0); i < count; i++ {
		var keyLen uint32
		if err := binary.Read(br, binary.LittleEndian, &keyLen); err != nil {
			return err
		}
		if keyLen > maxKeyLen {
			return fmt.Errorf("invalid key length %d at entry %d", keyLen, i)
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(br, key); err != nil {
			return err
		}

		var valueLen uint32
		if err := binary.Read(br, binary.LittleEndian, &valueLen); err != nil {
			return err
		}
		value := make([]byte, valueLen)
		if _, err := io.ReadFull(br, value); err != nil {
			return err
		}

		shard := internal.GetShard(util.HashString(string(key), seed), shards)
		shard.Data.Store(string(key), internal.Entry{Value: value, Version: i + 1})
	}

	maple.mu.Lock()
	defer maple.mu.Unlock()

	maple.shards = shards
	maple.seed = seed
	maple.writes.Store(count)

	plog.Debugf("loaded %d entries into %d shards", count, len(shards))
	return nil
}

// --------------------------------------------------------------------------
// KVDB Interface Implementation - Features and Metadata
// --------------------------------------------------------------------------

// GetInfo returns statistics about the database
func (maple *mapleImpl) GetInfo() db.DatabaseInfo {
	maple.mu.RLock()
	defer maple.mu.RUnlock()

	// create a size histogram for the info
	histogram := util.NewSizeHistogram()
	samplesPerShard := 100
	wg := sync.WaitGroup{}
	wg.Add(len(maple.shards))

	shardSizes := make([]float64, len(maple.shards))

	// concurrently collect samples from all shards
	for shardIndex, shard := range maple.shards {
		go func(i int, s *internal.Shard) {
			defer wg.Done()
			count := 0
			s.Data.Range(func(key string, entry internal.Entry) bool {
				histogram.AddSample(len(key) + len(entry.Value))

				// only sample a few entries per shard
				count++
				return count < samplesPerShard
			})
			shardSizes[i] = float64(s.Data.Size())
		}(shardIndex, shard)
	}

	// wait for all shards to finish
	wg.Wait()

	entries := 0
	for _, size := range shardSizes {
		entries += int(size)
	}

	// calculate size
	entryOverhead := 16 // 8 bytes each for version and slice header estimate
	medianSize := histogram.MedianEstimate() + entryOverhead
	avgSize := histogram.AverageSize() + entryOverhead

	// weighted estimate (60% median, 40% average) per entry
	sizeBytes := entries * (medianSize*60 + avgSize*40) / 100

	// Metadata for this specific database implementation
	meta := &struct {
		Writes            uint64                 `json:"writes"`
		ShardCount        int                    `json:"shard_count"`
		ShardDistribution util.DistributionStats `json:"shard_distribution"`
		Info              string                 `json:"info"`
	}{
		Writes:            maple.writes.Load(),
		ShardCount:        len(maple.shards),
		ShardDistribution: util.NewDistributionStats(shardSizes),
		Info:              "SizeBytes is an estimate and may vary depending on the database state.",
	}

	return db.DatabaseInfo{
		SizeBytes: sizeBytes,
		Entries:   entries,
		DbType:    db.ImplMaple,
		SupportedFeatures: []db.Feature{
			db.FeatureSet, db.FeatureGet, db.FeatureDelete, db.FeatureHas,
			db.FeatureScan, db.FeatureSave, db.FeatureLoad,
		},
		Metadata: meta,
	}
}

// SupportsFeature checks if this implementation supports a specific KVDB feature
func (maple *mapleImpl) SupportsFeature(feature db.Feature) bool {
	if maple.closed.Load() {
		return false
	}
	supportedFeatures := db.FeatureSet |
		db.FeatureGet |
		db.FeatureDelete |
		db.FeatureHas |
		db.FeatureScan |
		db.FeatureSave |
		db.FeatureLoad
	return supportedFeatures&feature == feature
}

// Close marks the database as closed. Afterwards no feature is reported as supported.
func (maple *mapleImpl) Close() error {
	maple.closed.Store(true)
	return nil
}
