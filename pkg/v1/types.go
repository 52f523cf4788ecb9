package v1

import "time"

// Case is one atlas case returned by a similarity query.
type Case struct {
	Rank     int     `json:"rank"`
	ID       int64   `json:"id"`
	Label    string  `json:"label"`
	FilePath string  `json:"file_path"`
	Score    float32 `json:"score"`
}

// AtlasInfo summarises an atlas on disk.
type AtlasInfo struct {
	Cases     int            `json:"cases"`
	Dimension int            `json:"dimension"`
	Labels    map[string]int `json:"labels"`
}

// Verification reports atlas integrity.
type Verification struct {
	Rows        int     `json:"rows"`
	Dense       bool    `json:"dense"`
	NonUnitRows []int64 `json:"non_unit_rows,omitempty"`
	OK          bool    `json:"ok"`
}

// BuildStats describes an atlas build.
type BuildStats struct {
	Indexed  int           `json:"indexed"`
	Skipped  int           `json:"skipped"`
	Labels   int           `json:"labels"`
	Duration time.Duration `json:"duration"`
}
