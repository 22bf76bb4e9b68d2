package abstract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSortBySize_SmallestFirst(t *testing.T) {
	dbs := []Database{
		{Name: "mid", SizeBytes: 10 << 20},
		{Name: "small", SizeBytes: 1 << 20},
		{Name: "large", SizeBytes: 100 << 20},
	}
	SortBySize(dbs)
	require.Equal(t, []Database{
		{Name: "small", SizeBytes: 1 << 20},
		{Name: "mid", SizeBytes: 10 << 20},
		{Name: "large", SizeBytes: 100 << 20},
	}, dbs)
}

func TestSortBySize_NameBreaksTies(t *testing.T) {
	dbs := []Database{
		{Name: "b", SizeBytes: 5},
		{Name: "a", SizeBytes: 5},
	}
	SortBySize(dbs)
	require.Equal(t, "a", dbs[0].Name)
	require.Equal(t, "b", dbs[1].Name)
}
