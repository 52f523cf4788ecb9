package internal

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
	"slices"

	"github.com/sbinet/npyio/npy"
	"github.com/sbinet/npyio/npz"
)

const (
	vecsMember = "vecs.npy"
	idsMember  = "ids.npy"
)

// WriteBundle writes vecs (N×dim float32) and ids (N int64) as an npz archive
// readable by numpy.load.
func WriteBundle(w io.Writer, dim int, vecs []float32, ids []int64) error {
	if dim <= 0 || len(vecs) != len(ids)*dim {
		return fmt.Errorf("%w: %d values for %d ids of dimension %d", ErrDimensionMismatch, len(vecs), len(ids), dim)
	}

	zw := npz.NewWriter(w)
	if err := zw.Write(vecsMember, rowMatrix(dim, vecs)); err != nil {
		return err
	}
	if err := zw.Write(idsMember, ids); err != nil {
		return err
	}
	return zw.Close()
}

// rowMatrix copies vecs into a slice of [dim]float32 rows so the npy header
// records a (N, dim) shape instead of a flat vector.
func rowMatrix(dim int, vecs []float32) any {
	rows := len(vecs) / dim
	m := reflect.MakeSlice(reflect.SliceOf(reflect.ArrayOf(dim, reflect.TypeFor[float32]())), rows, rows)
	for i := range rows {
		reflect.Copy(m.Index(i), reflect.ValueOf(vecs[i*dim:(i+1)*dim]))
	}
	return m.Interface()
}

// ReadBundle reads an npz archive holding vecs and ids. Malformed content is
// reported as ErrIndexLoad. A bundle without rows yields dim 0.
func ReadBundle(r io.ReaderAt, size int64) (dim int, vecs []float32, ids []int64, err error) {
	defer func() {
		// npyio slices the raw header without bounds checks.
		if p := recover(); p != nil {
			dim, vecs, ids = 0, nil, nil
			err = fmt.Errorf("%w: malformed bundle: %v", ErrIndexLoad, p)
		}
	}()

	zr, err := npz.NewReader(r, size)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: open bundle: %v", ErrIndexLoad, err)
	}

	vecArr, err := openArray(zr, vecsMember, "<f4", 4)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %v", ErrIndexLoad, err)
	}
	idArr, err := openArray(zr, idsMember, "<i8", 8)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %v", ErrIndexLoad, err)
	}

	if len(idArr.shape) != 1 {
		return 0, nil, nil, fmt.Errorf("%w: ids must be 1-dimensional, got shape %v", ErrIndexLoad, idArr.shape)
	}
	switch {
	case len(vecArr.shape) == 2:
		dim = vecArr.shape[1]
	case len(vecArr.shape) == 1 && vecArr.count == 0 && idArr.count == 0:
		return 0, nil, nil, nil
	default:
		return 0, nil, nil, fmt.Errorf("%w: vecs must be 2-dimensional, got shape %v", ErrIndexLoad, vecArr.shape)
	}
	if vecArr.shape[0] != idArr.shape[0] {
		return 0, nil, nil, fmt.Errorf("%w: %d vector rows but %d ids", ErrIndexLoad, vecArr.shape[0], idArr.shape[0])
	}

	vecs = make([]float32, vecArr.count)
	if err := vecArr.r.Read(&vecs); err != nil {
		return 0, nil, nil, fmt.Errorf("%w: vecs: %v", ErrIndexLoad, err)
	}
	ids = make([]int64, idArr.count)
	if err := idArr.r.Read(&ids); err != nil {
		return 0, nil, nil, fmt.Errorf("%w: ids: %v", ErrIndexLoad, err)
	}

	return dim, vecs, ids, nil
}

type npyMember struct {
	r     *npy.Reader
	shape []int
	count int
}

// openArray parses the npy header of member name and checks it against the
// bytes actually stored, so a forged shape never drives an allocation.
func openArray(zr *npz.Reader, name, dtype string, elemSize int) (*npyMember, error) {
	if !slices.Contains(zr.Keys(), name) {
		return nil, fmt.Errorf("bundle has no %s array", name)
	}
	rc, err := zr.Open(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	body := bytes.NewReader(raw)
	nr, err := npy.NewReader(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	descr := nr.Header.Descr
	if descr.Type != dtype {
		return nil, fmt.Errorf("%s: expected dtype %s, got %s", name, dtype, descr.Type)
	}
	if descr.Fortran {
		return nil, fmt.Errorf("%s: fortran-ordered arrays are not supported", name)
	}

	stored := body.Len()
	count, err := shapeCount(descr.Shape, stored/elemSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if count*elemSize != stored {
		return nil, fmt.Errorf("%s: shape %v needs %d bytes, member holds %d", name, descr.Shape, count*elemSize, stored)
	}

	return &npyMember{r: nr, shape: descr.Shape, count: count}, nil
}

// shapeCount multiplies the dimensions of shape, failing as soon as the
// product would exceed limit.
func shapeCount(shape []int, limit int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension in shape %v", shape)
		}
		if d > 0 && n > limit/d {
			return 0, fmt.Errorf("shape %v exceeds the stored data", shape)
		}
		n *= d
	}
	return n, nil
}
