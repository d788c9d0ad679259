package data

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestReadRecords(t *testing.T) {
	content := "driver_id\n" +
		"\"1001\"\n" +
		"  1002  \n" +
		"\n" +
		"'1003'\n" +
		"1004,extra,columns\n" +
		"   \n" +
		"\"\"\n"

	records, err := ReadRecords(strings.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, []Record{"1001", "1002", "1003", "1004"}, records)
}

func TestReadRecords_HeaderOnly(t *testing.T) {
	records, err := ReadRecords(strings.NewReader("id\n"))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "detroit_active.csv", "id\na\nb\nc\n")

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Len())
	assert.Equal(t, path, p.Name())

	r, err := p.At(1)
	require.NoError(t, err)
	assert.Equal(t, Record("b"), r)

	_, err = p.At(3)
	assert.Error(t, err)
	_, err = p.At(-1)
	assert.Error(t, err)
}

func TestLoad_EmptyDatasetFails(t *testing.T) {
	path := writeFile(t, "empty.csv", "id\n\n  \n")

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyDataset))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.csv"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestNewPool_CopiesRecords(t *testing.T) {
	src := []Record{"a", "b"}
	p, err := NewPool("mem", src)
	require.NoError(t, err)

	src[0] = "mutated"
	r, _ := p.At(0)
	assert.Equal(t, Record("a"), r)

	out := p.Records()
	out[1] = "mutated"
	r, _ = p.At(1)
	assert.Equal(t, Record("b"), r)
}

func TestSample_EmptyPool(t *testing.T) {
	var p *Pool
	_, err := p.Sample()
	assert.ErrorIs(t, err, ErrEmptyPool)

	_, err = (&Pool{}).Sample()
	assert.ErrorIs(t, err, ErrEmptyPool)
}

func TestSample_RangeAndUniformity(t *testing.T) {
	records := []Record{"a", "b", "c", "d", "e"}
	p, err := NewPool("mem", records, WithSeed(42))
	require.NoError(t, err)

	const draws = 50000
	counts := make(map[Record]int)
	for i := 0; i < draws; i++ {
		r, err := p.Sample()
		require.NoError(t, err)
		counts[r]++
	}

	require.Len(t, counts, len(records))
	expected := float64(draws) / float64(len(records))
	for _, r := range records {
		// Within 5% of the expected share.
		assert.InDelta(t, expected, float64(counts[r]), expected*0.05, "record %s", r)
	}
}

func TestSample_Concurrent(t *testing.T) {
	p, err := NewPool("mem", []Record{"x", "y", "z"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				r, err := p.Sample()
				if err != nil || (r != "x" && r != "y" && r != "z") {
					t.Errorf("unexpected sample %q, %v", r, err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestFormatQuoted(t *testing.T) {
	assert.Equal(t, "'a','b','c'", FormatQuoted([]Record{"a", "b", "c"}))
	assert.Equal(t, "", FormatQuoted(nil))
}

func TestRegistry_LoadsOnce(t *testing.T) {
	path := writeFile(t, "shared.csv", "id\n1\n2\n")
	reg := NewRegistry(WithSeed(1))

	p1, err := reg.Get(path)
	require.NoError(t, err)
	p2, err := reg.Get(path)
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_RemembersErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.csv")
	reg := NewRegistry()

	_, err1 := reg.Get(path)
	require.Error(t, err1)

	// A file appearing later does not change the outcome of the run.
	require.NoError(t, os.WriteFile(path, []byte("id\n1\n"), 0644))
	_, err2 := reg.Get(path)
	assert.Equal(t, err1, err2)

	p, err := NewPool("mem", []Record{"1"})
	require.NoError(t, err)
	reg.Put(path, p)
	got, err := reg.Get(path)
	require.NoError(t, err)
	assert.Same(t, p, got)
}

func TestRegistry_ForSegmentIsolatesGenerators(t *testing.T) {
	path := writeFile(t, "shared.csv", "id\n1\n2\n3\n4\n5\n")
	reg := NewRegistry(WithSeed(42))

	a, err := reg.ForSegment(path)
	require.NoError(t, err)
	b, err := reg.ForSegment(path)
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, a.Records(), b.Records())

	shared, err := reg.Get(path)
	require.NoError(t, err)
	assert.NotSame(t, shared, a)

	// Same seed and order give the same forks.
	again := NewRegistry(WithSeed(42))
	a2, err := again.ForSegment(path)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		want, err := a.Sample()
		require.NoError(t, err)
		got, err := a2.Sample()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err = reg.ForSegment(path + ".missing")
	assert.Error(t, err)
}
