package testing

import (
	"bytes"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/ValentinKolb/deposit/lib/db"
)

// DBFactory is a function that creates a new instance of a KVDB implementation
type DBFactory func() db.KVDB

// RunKVDBTests runs the test suite for a KVDB implementation.
func RunKVDBTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Set&Get", func(t *testing.T) {
			testSetGet(t, factory())
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory())
		})

		t.Run("Has", func(t *testing.T) {
			testHas(t, factory())
		})

		t.Run("KeysPrefix", func(t *testing.T) {
			testKeysPrefix(t, factory())
		})

		t.Run("SaveLoad", func(t *testing.T) {
			testSaveLoad(t, factory)
		})

		t.Run("LoadInvalid", func(t *testing.T) {
			testLoadInvalid(t, factory())
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, factory())
		})

		t.Run("ConcurrentWriters", func(t *testing.T) {
			testConcurrentWriters(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Checks if the database supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, database db.KVDB, feature db.Feature) {
	if !database.SupportsFeature(feature) {
		t.Skip()
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureGet)

	testKey := "test-key"
	testValue1 := []byte("test-value1")
	testValue2 := []byte("test-value2")

	database.Set(testKey, testValue1)

	result, exists := database.Get(testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after Set", testKey)
	}
	if !bytes.Equal(result, testValue1) {
		t.Errorf("Expected value %s, got %s", testValue1, result)
	}

	database.Set(testKey, testValue2)

	result, _ = database.Get(testKey)
	if !bytes.Equal(result, testValue2) {
		t.Errorf("Expected value %s, got %s", testValue2, result)
	}

	if _, exists = database.Get("nonexistent-key"); exists {
		t.Errorf("Expected nonexistent key to return exists=false")
	}

	// Get must return a copy
	retrievedValue, _ := database.Get(testKey)
	retrievedValue[0] = 'X'
	originalValue, _ := database.Get(testKey)
	if bytes.Equal(retrievedValue, originalValue) {
		t.Errorf("Get should return a copy, not a reference to the stored value")
	}

	// Set must copy as well
	input := []byte("input")
	database.Set("copy-key", input)
	input[0] = 'X'
	stored, _ := database.Get("copy-key")
	if !bytes.Equal(stored, []byte("input")) {
		t.Errorf("Set should copy the value, got %s", stored)
	}
}

func testDelete(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureGet|db.FeatureDelete)

	database.Set("delete-key", []byte("v"))
	database.Delete("delete-key")

	if _, exists := database.Get("delete-key"); exists {
		t.Errorf("Key should not exist after Delete")
	}

	// deleting a missing key is a no-op
	database.Delete("never-set")

	// a deleted key can be written again
	database.Set("delete-key", []byte("again"))
	if v, _ := database.Get("delete-key"); !bytes.Equal(v, []byte("again")) {
		t.Errorf("Expected re-set value, got %s", v)
	}
}

func testHas(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureHas|db.FeatureDelete)

	if database.Has("has-key") {
		t.Errorf("Has should be false before Set")
	}
	database.Set("has-key", []byte("v"))
	if !database.Has("has-key") {
		t.Errorf("Has should be true after Set")
	}
	database.Delete("has-key")
	if database.Has("has-key") {
		t.Errorf("Has should be false after Delete")
	}
}

func testKeysPrefix(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureScan)

	for _, k := range []string{"app:1:users:b", "app:1:users:a", "app:1:users:c", "app:1:orders:a", "app:2:users:a"} {
		database.Set(k, []byte("v"))
	}

	got := database.Keys("app:1:users:")
	want := []string{"app:1:users:a", "app:1:users:b", "app:1:users:c"}
	if !slices.Equal(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	if n := len(database.Keys("")); n != 5 {
		t.Errorf("Empty prefix should return all 5 keys, got %d", n)
	}
	if n := database.Len(); n != 5 {
		t.Errorf("Expected Len 5, got %d", n)
	}
	if keys := database.Keys("missing:"); len(keys) != 0 {
		t.Errorf("Expected no keys for unknown prefix, got %v", keys)
	}
}

func testSaveLoad(t *testing.T, factory DBFactory) {
	database := factory()
	database2 := factory()

	// close the databases after the test
	defer database.Close()
	defer database2.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureGet|db.FeatureSave|db.FeatureLoad)

	numEntries := 1000
	for i := 0; i < numEntries; i++ {
		database.Set(fmt.Sprintf("save-load-key-%d", i), []byte(fmt.Sprintf("save-load-value-%d", i)))
	}

	// content of the target database is replaced on Load
	database2.Set("stale", []byte("x"))

	var buf bytes.Buffer
	if err := database.Save(&buf); err != nil {
		t.Fatalf("Unexpected error during Save: %v", err)
	}
	if err := database2.Load(&buf); err != nil {
		t.Fatalf("Unexpected error during Load: %v", err)
	}

	for i := 0; i < numEntries; i++ {
		key := fmt.Sprintf("save-load-key-%d", i)
		expected := []byte(fmt.Sprintf("save-load-value-%d", i))

		actual, exists := database2.Get(key)
		if !exists {
			t.Errorf("Key %s not found after Load", key)
			continue
		}
		if !bytes.Equal(actual, expected) {
			t.Errorf("Value mismatch for key %s: expected %s, got %s", key, expected, actual)
		}
	}

	if database2.Has("stale") {
		t.Errorf("Load should replace existing content")
	}
	if database2.Len() != numEntries {
		t.Errorf("Expected %d entries after Load, got %d", numEntries, database2.Len())
	}
}

func testLoadInvalid(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureLoad)

	database.Set("keep", []byte("v"))

	if err := database.Load(bytes.NewReader([]byte("not a snapshot at all"))); err == nil {
		t.Errorf("Expected error loading garbage")
	}
	if !database.Has("keep") {
		t.Errorf("Failed Load must keep the previous content")
	}
}

func testEdgeCases(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureGet)

	database.Set("", []byte("value for empty key"))
	if result, exists := database.Get(""); !exists || !bytes.Equal(result, []byte("value for empty key")) {
		t.Errorf("Empty key not stored correctly")
	}

	database.Set("nil-value-key", nil)
	result, exists := database.Get("nil-value-key")
	if !exists {
		t.Errorf("Key for nil value not found after Set")
	} else if len(result) != 0 {
		t.Errorf("Nil value resulted in non-empty value: %v", result)
	}

	largeKey := string(make([]byte, 1000))
	database.Set(largeKey, []byte("value for large key"))
	if _, exists := database.Get(largeKey); !exists {
		t.Errorf("Large key not found after Set")
	}

	largeValue := make([]byte, 4*1024*1024)
	for i := range largeValue {
		largeValue[i] = byte(i % 256)
	}
	database.Set("large-value-key", largeValue)
	if result, _ := database.Get("large-value-key"); !bytes.Equal(result, largeValue) {
		t.Errorf("Large value mismatch (len %d vs %d)", len(result), len(largeValue))
	}
}

func testConcurrentWriters(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureGet|db.FeatureDelete|db.FeatureScan)

	numWorkers := 8
	perWorker := 500

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("w%d:%d", worker, i)
				database.Set(key, []byte(key))
				if i%5 == 0 {
					database.Delete(key)
				}
				database.Get(fmt.Sprintf("w%d:%d", (worker+1)%numWorkers, i))
				_ = database.Keys(fmt.Sprintf("w%d:", worker))
			}
		}(w)
	}
	wg.Wait()

	expected := numWorkers * (perWorker - perWorker/5)
	if n := database.Len(); n != expected {
		t.Errorf("Expected %d entries, got %d", expected, n)
	}

	for w := 0; w < numWorkers; w++ {
		for i := 0; i < perWorker; i++ {
			key := fmt.Sprintf("w%d:%d", w, i)
			v, exists := database.Get(key)
			if i%5 == 0 {
				if exists {
					t.Errorf("Key %s should be deleted", key)
				}
				continue
			}
			if !bytes.Equal(v, []byte(key)) {
				t.Errorf("Unexpected value for %s: %s", key, v)
			}
		}
	}
}
