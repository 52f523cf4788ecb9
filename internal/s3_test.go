package internal

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3Object struct {
	data        []byte
	contentType string
	modified    time.Time
}

// fakeS3 is an in-memory bucket. List pages hold at most pageSize keys.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string]fakeS3Object
	cors     *types.CORSConfiguration
	pageSize int
	clock    time.Time
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:  map[string]fakeS3Object{},
		pageSize: 2,
		clock:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.clock = f.clock.Add(time.Minute)
	f.objects[aws.ToString(in.Key)] = fakeS3Object{data: data, contentType: aws.ToString(in.ContentType), modified: f.clock}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.data))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > aws.ToString(in.ContinuationToken) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if len(keys) > f.pageSize {
		keys = keys[:f.pageSize]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	for _, k := range keys {
		obj := f.objects[k]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			LastModified: aws.Time(obj.modified),
			Size:         aws.Int64(int64(len(obj.data))),
		})
	}
	return out, nil
}

func (f *fakeS3) PutBucketCors(_ context.Context, in *s3.PutBucketCorsInput, _ ...func(*s3.Options)) (*s3.PutBucketCorsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cors = in.CORSConfiguration
	return &s3.PutBucketCorsOutput{}, nil
}

func TestS3BlobStorePutGet(t *testing.T) {
	fake := newFakeS3()
	store := NewS3BlobStore(fake, "scans")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "saved/x/mri_x.png", []byte("png"), "image/png"))
	assert.Equal(t, "image/png", fake.objects["saved/x/mri_x.png"].contentType)

	data, err := store.Get(ctx, "saved/x/mri_x.png")
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))

	_, err = store.Get(ctx, "saved/y/mri_y.png")
	assert.ErrorIs(t, err, ErrBlobNotFound)

	assert.Equal(t, "https://scans.s3.amazonaws.com/saved/x/mri_x.png", store.URL("saved/x/mri_x.png"))
}

func TestS3BlobStoreListPaginates(t *testing.T) {
	fake := newFakeS3()
	store := NewS3BlobStore(fake, "scans")
	ctx := context.Background()

	for _, key := range []string{"saved/c", "saved/a", "saved/e", "saved/b", "saved/d", "other/z"} {
		require.NoError(t, store.Put(ctx, key, []byte(key), ""))
	}

	blobs, err := store.List(ctx, "saved/")
	require.NoError(t, err)
	require.Len(t, blobs, 5)

	var keys []string
	for _, b := range blobs {
		keys = append(keys, b.Key)
		assert.Equal(t, int64(len(b.Key)), b.Size)
		assert.False(t, b.LastModified.IsZero())
	}
	assert.Equal(t, []string{"saved/a", "saved/b", "saved/c", "saved/d", "saved/e"}, keys)
}

func TestAnalysisServiceOverS3(t *testing.T) {
	store := NewS3BlobStore(newFakeS3(), "scans")
	oracle := &fakeOracle{analysis: `{"finding": "none"}`, summary: "Clean scan.", answer: "No."}
	svc := NewAnalysisService(store, oracle, WithClock(steppingClock(time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC))))
	ctx := context.Background()

	_, err := svc.Analyze(ctx, AnalyzeInput{Image: []byte{1}, Filename: "a.jpg"})
	require.NoError(t, err)
	latest, err := svc.Analyze(ctx, AnalyzeInput{Image: []byte{2}, Filename: "b.jpg"})
	require.NoError(t, err)

	out, err := svc.Chat(ctx, ChatInput{Prompt: "Anything?"})
	require.NoError(t, err)
	assert.Equal(t, latest.Timestamp, out.Timestamp)

	history, err := svc.History(ctx)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestParseCORSRules(t *testing.T) {
	rules, err := ParseCORSRules([]byte(`[{"AllowedMethods":["GET"],"AllowedOrigins":["*"],"MaxAgeSeconds":300}]`))
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, int32(300), rules[0].MaxAgeSeconds)

	for _, bad := range []string{`nope`, `[]`, `[{"AllowedOrigins":["*"]}]`} {
		_, err := ParseCORSRules([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestApplyCORS(t *testing.T) {
	fake := newFakeS3()
	store := NewS3BlobStore(fake, "scans")

	err := store.ApplyCORS(context.Background(), []CORSRule{
		{AllowedMethods: []string{"GET", "PUT"}, AllowedOrigins: []string{"https://app.example"}, MaxAgeSeconds: 60},
		{AllowedMethods: []string{"GET"}, AllowedOrigins: []string{"*"}},
	})
	require.NoError(t, err)

	require.NotNil(t, fake.cors)
	require.Len(t, fake.cors.CORSRules, 2)
	assert.Equal(t, []string{"GET", "PUT"}, fake.cors.CORSRules[0].AllowedMethods)
	assert.Equal(t, int32(60), aws.ToInt32(fake.cors.CORSRules[0].MaxAgeSeconds))
	assert.Nil(t, fake.cors.CORSRules[1].MaxAgeSeconds)
}
