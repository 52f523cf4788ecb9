package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	TimestampLayout = "20060102_150405"
	savedPrefix     = "saved/"
)

const analysisPrompt = `Please analyze this MRI brain scan image and provide:

1. Detection of any visible brain tumors (location, size, characteristics) and what type they are (glioma, meningioma, pituitary). The image may not have a tumor at all. If there is a tumor, give me the predicted X Y Z coordinates of where it is located. The dimensions of the scan are x=401, y=200, z=300.
2. Assessment of gray matter loss or abnormalities (regions affected, severity). There may not be any gray matter loss at all.
3. Other notable abnormalities (if present)
4. Recommended follow-up actions based on findings

Be very brief in analysis but accurate. Output your analysis as a JSON object only, without extra text or code block formatting.`

var (
	fencePattern     = regexp.MustCompile("^```(?:json)?\\n|\\n```$")
	timestampPattern = regexp.MustCompile(`^\d{8}_\d{6}$`)
)

// OracleJSONError carries the oracle's raw reply when it could not be parsed.
type OracleJSONError struct {
	Raw string
	Err error
}

func (e *OracleJSONError) Error() string {
	return fmt.Sprintf("%v: %v", ErrInvalidOracleJSON, e.Err)
}

func (e *OracleJSONError) Is(target error) bool {
	return target == ErrInvalidOracleJSON
}

func (e *OracleJSONError) Unwrap() error {
	return e.Err
}

type AnalysisKeys struct {
	Timestamp string
}

func (k AnalysisKeys) Folder() string { return savedPrefix + k.Timestamp + "/" }
func (k AnalysisKeys) Context() string { return k.Folder() + "context_" + k.Timestamp + ".json" }
func (k AnalysisKeys) Summary() string { return k.Folder() + "summary_" + k.Timestamp + ".txt" }
func (k AnalysisKeys) ImageStem() string { return k.Folder() + "mri_" + k.Timestamp }

func (k AnalysisKeys) Image(ext string) string {
	if ext == "" {
		ext = ".jpg"
	}
	return k.ImageStem() + ext
}

type AnalysisService struct {
	store  BlobStore
	oracle Oracle
	now    func() time.Time
	log    *zap.Logger
}

type AnalysisOption func(*AnalysisService)

func WithClock(now func() time.Time) AnalysisOption {
	return func(s *AnalysisService) {
		s.now = now
	}
}

func WithAnalysisLogger(l *zap.Logger) AnalysisOption {
	return func(s *AnalysisService) {
		s.log = l
	}
}

func NewAnalysisService(store BlobStore, oracle Oracle, opts ...AnalysisOption) *AnalysisService {
	s := &AnalysisService{
		store:  store,
		oracle: oracle,
		now:    time.Now,
		log:    zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type AnalyzeInput struct {
	Image    []byte
	Filename string
}

type AnalyzeOutput struct {
	Message     string          `json:"message"`
	Timestamp   string          `json:"timestamp"`
	JSONFile    string          `json:"json_file"`
	ImageFile   string          `json:"image_file"`
	ImageURL    string          `json:"image_url"`
	SummaryFile string          `json:"summary_file"`
	Analysis    json.RawMessage `json:"analysis"`
}

// Analyze runs the diagnostic prompt over a scan and persists the analysis,
// the scan itself and a short summary under saved/{timestamp}/.
func (s *AnalysisService) Analyze(ctx context.Context, in AnalyzeInput) (AnalyzeOutput, error) {
	if len(in.Image) == 0 {
		return AnalyzeOutput{}, ErrNoFile
	}

	ext := strings.ToLower(filepath.Ext(in.Filename))
	mediaType := mediaTypeFor(ext, in.Image)

	raw, err := s.oracle.Analyze(ctx, in.Image, mediaType, analysisPrompt)
	if err != nil {
		return AnalyzeOutput{}, fmt.Errorf("analyze scan: %w", err)
	}
	raw = strings.TrimSpace(raw)

	analysis, err := parseOracleJSON(raw)
	if err != nil {
		return AnalyzeOutput{}, err
	}

	keys := AnalysisKeys{Timestamp: s.now().Format(TimestampLayout)}

	var pretty bytes.Buffer
	json.Indent(&pretty, analysis, "", "    ")
	if err := s.store.Put(ctx, keys.Context(), pretty.Bytes(), "application/json"); err != nil {
		return AnalyzeOutput{}, fmt.Errorf("store analysis: %w", err)
	}

	imageKey := keys.Image(ext)
	if err := s.store.Put(ctx, imageKey, in.Image, mediaType); err != nil {
		return AnalyzeOutput{}, fmt.Errorf("store scan: %w", err)
	}

	var compact bytes.Buffer
	json.Indent(&compact, analysis, "", "  ")
	summary, err := s.oracle.Complete(ctx, "Summarize this analysis (2–3 sentences):\n"+compact.String())
	if err != nil {
		return AnalyzeOutput{}, fmt.Errorf("summarize analysis: %w", err)
	}
	if err := s.store.Put(ctx, keys.Summary(), []byte(strings.TrimSpace(summary)), "text/plain"); err != nil {
		return AnalyzeOutput{}, fmt.Errorf("store summary: %w", err)
	}

	s.log.Info("analysis stored", zap.String("timestamp", keys.Timestamp), zap.String("image", imageKey))

	return AnalyzeOutput{
		Message:     "Files uploaded successfully",
		Timestamp:   keys.Timestamp,
		JSONFile:    keys.Context(),
		ImageFile:   imageKey,
		ImageURL:    s.store.URL(imageKey),
		SummaryFile: keys.Summary(),
		Analysis:    analysis,
	}, nil
}

// parseOracleJSON strips a markdown fence and requires a JSON object.
func parseOracleJSON(raw string) (json.RawMessage, error) {
	clean := strings.TrimSpace(fencePattern.ReplaceAllString(raw, ""))

	if !json.Valid([]byte(clean)) {
		var probe any
		err := json.Unmarshal([]byte(clean), &probe)
		return nil, &OracleJSONError{Raw: raw, Err: err}
	}
	if !strings.HasPrefix(clean, "{") {
		return nil, &OracleJSONError{Raw: raw, Err: errors.New("reply is not a JSON object")}
	}
	return json.RawMessage(clean), nil
}

func mediaTypeFor(ext string, data []byte) string {
	if t := mime.TypeByExtension(ext); strings.HasPrefix(t, "image/") {
		return t
	}
	if t := http.DetectContentType(data); strings.HasPrefix(t, "image/") {
		return t
	}
	return "image/jpeg"
}

type Analysis struct {
	Timestamp string          `json:"timestamp"`
	Context   json.RawMessage `json:"context"`
	MRIURL    string          `json:"mri_url"`
}

// GetAnalysis loads the stored analysis for ts.
func (s *AnalysisService) GetAnalysis(ctx context.Context, ts string) (Analysis, error) {
	if !timestampPattern.MatchString(ts) {
		return Analysis{}, fmt.Errorf("timestamp %q: %w", ts, ErrNoAnalysis)
	}
	keys := AnalysisKeys{Timestamp: ts}

	data, err := s.store.Get(ctx, keys.Context())
	if errors.Is(err, ErrBlobNotFound) {
		return Analysis{}, fmt.Errorf("timestamp %s: %w", ts, ErrNoAnalysis)
	}
	if err != nil {
		return Analysis{}, err
	}

	imageKey := keys.Image("")
	if found, err := s.store.List(ctx, keys.ImageStem()); err == nil && len(found) > 0 {
		imageKey = found[0].Key
	}

	return Analysis{Timestamp: ts, Context: data, MRIURL: s.store.URL(imageKey)}, nil
}

// LatestAnalysis returns the analysis whose context file was written last.
// Equal modification times fall back to the later timestamp.
func (s *AnalysisService) LatestAnalysis(ctx context.Context) (Analysis, error) {
	blobs, err := s.store.List(ctx, savedPrefix)
	if err != nil {
		return Analysis{}, err
	}

	var latest *BlobInfo
	for i, b := range blobs {
		if !strings.Contains(b.Key, "context_") {
			continue
		}
		if latest == nil || b.LastModified.After(latest.LastModified) ||
			(b.LastModified.Equal(latest.LastModified) && b.Key > latest.Key) {
			latest = &blobs[i]
		}
	}
	if latest == nil {
		return Analysis{}, ErrNoAnalysis
	}

	return s.GetAnalysis(ctx, timestampFromContextKey(latest.Key))
}

func timestampFromContextKey(key string) string {
	_, after, _ := strings.Cut(key, "context_")
	return strings.TrimSuffix(after, ".json")
}

type ChatInput struct {
	Prompt    string
	Timestamp string
}

type ChatOutput struct {
	Response  string `json:"response"`
	Timestamp string `json:"timestamp"`
}

// Chat answers a follow-up question grounded on a stored analysis, the one
// at Timestamp or the most recent one.
func (s *AnalysisService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return ChatOutput{}, ErrEmptyPrompt
	}

	var (
		analysis Analysis
		err      error
	)
	if in.Timestamp != "" {
		analysis, err = s.GetAnalysis(ctx, in.Timestamp)
	} else {
		analysis, err = s.LatestAnalysis(ctx)
	}
	if err != nil {
		return ChatOutput{}, err
	}

	var contextJSON bytes.Buffer
	if err := json.Indent(&contextJSON, analysis.Context, "", "  "); err != nil {
		contextJSON.Reset()
		contextJSON.Write(analysis.Context)
	}

	full := "You are a medical AI assistant.\n" +
		contextJSON.String() +
		"\nUser Question: " + prompt + "\n" +
		"Answer clearly and concisely, no markdown."

	answer, err := s.oracle.Complete(ctx, full)
	if err != nil {
		return ChatOutput{}, fmt.Errorf("chat: %w", err)
	}

	return ChatOutput{Response: answer, Timestamp: analysis.Timestamp}, nil
}

type HistoryEntry struct {
	Timestamp string          `json:"timestamp"`
	MRIURL    string          `json:"mri_url"`
	Context   json.RawMessage `json:"context"`
	Summary   string          `json:"summary"`
}

// History lists complete analyses, newest first. Analyses missing their scan
// or summary are left out.
func (s *AnalysisService) History(ctx context.Context) ([]HistoryEntry, error) {
	blobs, err := s.store.List(ctx, savedPrefix)
	if err != nil {
		return nil, err
	}

	history := []HistoryEntry{}
	for _, b := range blobs {
		if !strings.Contains(b.Key, "context_") {
			continue
		}
		keys := AnalysisKeys{Timestamp: timestampFromContextKey(b.Key)}

		var imageKey, summaryKey string
		for _, other := range blobs {
			switch {
			case imageKey == "" && strings.HasPrefix(other.Key, keys.ImageStem()):
				imageKey = other.Key
			case summaryKey == "" && strings.HasPrefix(other.Key, keys.Folder()+"summary_"+keys.Timestamp):
				summaryKey = other.Key
			}
		}
		if imageKey == "" || summaryKey == "" {
			continue
		}

		contextData, err := s.store.Get(ctx, b.Key)
		if err != nil {
			return nil, err
		}
		summary, err := s.store.Get(ctx, summaryKey)
		if err != nil {
			return nil, err
		}

		history = append(history, HistoryEntry{
			Timestamp: keys.Timestamp,
			MRIURL:    s.store.URL(imageKey),
			Context:   contextData,
			Summary:   string(summary),
		})
	}

	sort.Slice(history, func(i, j int) bool { return history[i].Timestamp > history[j].Timestamp })
	return history, nil
}
