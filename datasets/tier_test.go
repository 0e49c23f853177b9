package datasets

import (
	"fmt"
	"io"
	"reflect"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// stubImputer returns a constant profile for every request and records the
// pairs it was asked for.
type stubImputer struct {
	value float32
	asked []string
}

func (si *stubImputer) Impute(sample, cellType string) ([]float32, error) {
	si.asked = append(si.asked, sample+"/"+cellType)
	return []float32{si.value, si.value, si.value}, nil
}

func flatData(t *testing.T, tensor *tensors.Tensor) []float32 {
	t.Helper()
	var out []float32
	tensors.ConstFlatData[float32](tensor, func(flat []float32) {
		out = append(out, flat...)
	})
	return out
}

func checkDims(t *testing.T, tensor *tensors.Tensor, want ...int) {
	t.Helper()
	if got := tensor.Shape().Dimensions; !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected dims %v, want %v", got, want)
	}
}

func TestTierDataset_Yield(t *testing.T) {
	store := openFixture(t, true)

	ds, err := NewTierDataset(store, "alpha", 2)
	if err != nil {
		t.Fatalf("NewTierDataset failed: %v", err)
	}
	if got := ds.NumExamples(); got != 3 {
		t.Fatalf("expected 3 examples, got %d", got)
	}
	if got := ds.Others(); !reflect.DeepEqual(got, []string{"beta"}) {
		t.Fatalf("unexpected others: %v", got)
	}
	if got := ds.BatchesPerEpoch(); got != 2 {
		t.Fatalf("expected 2 batches per epoch, got %d", got)
	}
	if got := ds.Name(); got != "tier1/alpha" {
		t.Fatalf("unexpected name %q", got)
	}

	// Batch 1: s1, s2 (sorted order, no shuffle).
	_, inputs, labels, err := ds.Yield()
	if err != nil {
		t.Fatalf("Yield error: %v", err)
	}
	checkDims(t, inputs[0], 2, 1, 3)
	checkDims(t, labels[0], 2, 3)
	checkDims(t, labels[1], 2, 1)

	wantIn := []float32{10, 11, 12, 13, 14, 15} // beta profiles of s1, s2
	if got := flatData(t, inputs[0]); !reflect.DeepEqual(got, wantIn) {
		t.Fatalf("unexpected inputs: %v, want %v", got, wantIn)
	}
	wantLab := []float32{2, 3, 4, 4, 5, 6} // s1 alpha replicates averaged
	if got := flatData(t, labels[0]); !reflect.DeepEqual(got, wantLab) {
		t.Fatalf("unexpected labels: %v, want %v", got, wantLab)
	}
	if got := flatData(t, labels[1]); !reflect.DeepEqual(got, []float32{1, 1}) {
		t.Fatalf("unexpected weights: %v", got)
	}

	// Batch 2: s3 plus one padded row.
	_, inputs, labels, err = ds.Yield()
	if err != nil {
		t.Fatalf("Yield error: %v", err)
	}
	checkDims(t, inputs[0], 2, 1, 3)
	if got := flatData(t, labels[1]); !reflect.DeepEqual(got, []float32{1, 0}) {
		t.Fatalf("unexpected weights: %v", got)
	}
	// s3 has no beta profile and no imputer: zero input row.
	if got := flatData(t, inputs[0]); !reflect.DeepEqual(got, []float32{0, 0, 0, 0, 0, 0}) {
		t.Fatalf("unexpected inputs: %v", got)
	}
	wantLab = []float32{7, 8, 9, 0, 0, 0}
	if got := flatData(t, labels[0]); !reflect.DeepEqual(got, wantLab) {
		t.Fatalf("unexpected labels: %v, want %v", got, wantLab)
	}

	if _, _, _, err := ds.Yield(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}

	ds.Reset()
	if _, _, _, err := ds.Yield(); err != nil {
		t.Fatalf("Yield after Reset error: %v", err)
	}
}

func TestTierDataset_Imputer(t *testing.T) {
	store := openFixture(t, true)

	imp := &stubImputer{value: 9}
	ds, err := NewTierDataset(store, "alpha", 3)
	if err != nil {
		t.Fatalf("NewTierDataset failed: %v", err)
	}
	ds.WithImputer(imp)

	_, inputs, _, err := ds.Yield()
	if err != nil {
		t.Fatalf("Yield error: %v", err)
	}
	// s3's missing beta row is imputed.
	want := []float32{10, 11, 12, 13, 14, 15, 9, 9, 9}
	if got := flatData(t, inputs[0]); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected inputs: %v, want %v", got, want)
	}
	if !reflect.DeepEqual(imp.asked, []string{"s3/beta"}) {
		t.Fatalf("unexpected imputer calls: %v", imp.asked)
	}
}

func TestTierDataset_ShardFolds(t *testing.T) {
	store := openFixture(t, true)

	// s1 and s3 have rows in alpha shard 1; excluding it leaves s2.
	train, err := NewTierDataset(store, "alpha", 1)
	if err != nil {
		t.Fatalf("NewTierDataset failed: %v", err)
	}
	if _, err := train.ExcludeShard(1); err != nil {
		t.Fatalf("ExcludeShard failed: %v", err)
	}
	if got := train.NumExamples(); got != 1 {
		t.Fatalf("expected 1 training example, got %d", got)
	}

	holdout, err := NewTierDataset(store, "alpha", 1)
	if err != nil {
		t.Fatalf("NewTierDataset failed: %v", err)
	}
	if _, err := holdout.OnlyShard(1); err != nil {
		t.Fatalf("OnlyShard failed: %v", err)
	}
	if got := holdout.NumExamples(); got != 2 {
		t.Fatalf("expected 2 holdout examples, got %d", got)
	}

	if _, err := holdout.OnlyShard(5); err == nil {
		t.Fatalf("expected out of range error")
	}
}

func TestTierDataset_Infinite(t *testing.T) {
	store := openFixture(t, true)

	ds, err := NewTierDataset(store, "alpha", 2)
	if err != nil {
		t.Fatalf("NewTierDataset failed: %v", err)
	}
	ds.Infinite(true)

	// Many more batches than one epoch holds; never EOF, never padded.
	for i := 0; i < 7; i++ {
		_, _, labels, err := ds.Yield()
		if err != nil {
			t.Fatalf("Yield %d error: %v", i, err)
		}
		if got := flatData(t, labels[1]); !reflect.DeepEqual(got, []float32{1, 1}) {
			t.Fatalf("batch %d: expected full batch, got weights %v", i, got)
		}
	}
}

func TestTierDataset_SetName(t *testing.T) {
	store := openFixture(t, true)

	ds, err := NewTierDataset(store, "alpha", 2)
	if err != nil {
		t.Fatalf("NewTierDataset failed: %v", err)
	}
	name := fmt.Sprintf("%s/holdout", ds.Name())
	ds.SetName(name)
	if got := ds.Name(); got != name {
		t.Fatalf("unexpected name %q, want %q", got, name)
	}
}

func TestTierDataset_Errors(t *testing.T) {
	store := openFixture(t, true)

	if _, err := NewTierDataset(store, "gamma", 2); err == nil {
		t.Fatalf("expected unknown cell type error")
	}
	if _, err := NewTierDataset(store, "alpha", 0); err == nil {
		t.Fatalf("expected batch size error")
	}
	bare := NewProfileStore(store.Index)
	if _, err := NewTierDataset(bare, "alpha", 2); err == nil {
		t.Fatalf("expected missing sample index error")
	}
}
