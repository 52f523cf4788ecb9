package internal

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var metadataHeader = []string{"id", "file_path", "label"}

func WriteMetadata(w io.Writer, entries []AtlasEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(metadataHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, e := range entries {
		if err := cw.Write([]string{strconv.FormatInt(e.ID, 10), e.FilePath, e.Label}); err != nil {
			return fmt.Errorf("write row %d: %w", e.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadMetadata parses the metadata table. The header must name exactly the
// id, file_path and label columns; any other shape is ErrIndexLoad.
func ReadMetadata(r io.Reader) ([]AtlasEntry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: metadata table is empty", ErrIndexLoad)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrIndexLoad, err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	if len(header) != len(metadataHeader) {
		return nil, fmt.Errorf("%w: expected columns %v, got %v", ErrIndexLoad, metadataHeader, header)
	}
	for _, name := range metadataHeader {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrIndexLoad, name)
		}
	}

	var entries []AtlasEntry
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrIndexLoad, line, err)
		}
		if len(record) != len(metadataHeader) {
			return nil, fmt.Errorf("%w: line %d: expected %d fields, got %d", ErrIndexLoad, line, len(metadataHeader), len(record))
		}

		id, err := strconv.ParseInt(strings.TrimSpace(record[cols["id"]]), 10, 64)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("%w: line %d: invalid id %q", ErrIndexLoad, line, record[cols["id"]])
		}

		entries = append(entries, AtlasEntry{
			ID:       id,
			FilePath: record[cols["file_path"]],
			Label:    record[cols["label"]],
		})
	}

	return entries, nil
}

// LoadAtlas reads both artifacts from dir. Missing files or an atlas without
// cases yield ErrIndexUnavailable; inconsistent content yields ErrIndexLoad.
func LoadAtlas(dir string) (*Atlas, error) {
	metaPath := filepath.Join(dir, MetadataFilename)
	bundlePath := filepath.Join(dir, BundleFilename)

	metaFile, err := os.Open(metaPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s not found", ErrIndexUnavailable, metaPath)
	}
	if err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}
	defer metaFile.Close()

	bundleFile, err := os.Open(bundlePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s not found", ErrIndexUnavailable, bundlePath)
	}
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer bundleFile.Close()

	entries, err := ReadMetadata(metaFile)
	if err != nil {
		return nil, err
	}

	info, err := bundleFile.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat bundle: %w", err)
	}

	dim, vecs, ids, err := ReadBundle(bundleFile, info.Size())
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		if len(entries) != 0 {
			return nil, fmt.Errorf("%w: 0 embedding rows but %d metadata rows", ErrIndexLoad, len(entries))
		}
		return nil, fmt.Errorf("%w: atlas in %s holds no cases", ErrIndexUnavailable, dir)
	}

	return NewAtlas(dim, vecs, ids, entries)
}

// SaveAtlas writes both artifacts to dir, each through a temp file and rename.
func SaveAtlas(dir string, atlas *Atlas) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create atlas directory: %w", err)
	}

	var meta bytes.Buffer
	if err := WriteMetadata(&meta, atlas.Entries); err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	var bundle bytes.Buffer
	if err := WriteBundle(&bundle, atlas.Dim, atlas.Vectors, atlas.IDs); err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}

	if err := writeFileAtomic(filepath.Join(dir, BundleFilename), bundle.Bytes()); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, MetadataFilename), meta.Bytes())
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
