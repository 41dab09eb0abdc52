package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"job-engine/internal/config"
	"job-engine/internal/models"
)

type imageUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ImageHandler is the resize_image executor: download, transform, upload.
type ImageHandler struct {
	cfg        config.Config
	httpClient *http.Client
	local      imageUploader
	s3         imageUploader
}

// Image job payload accepted from the queue.
type imageJobPayload struct {
	SourceURL   string `json:"source_url"`
	OutputKey   string `json:"output_key"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Grayscale   bool   `json:"grayscale"`
	Destination string `json:"destination"`
}

// NewImageHandler constructs the handler and chooses an uploader (local or S3).
func NewImageHandler(ctx context.Context, cfg config.Config) (*ImageHandler, error) {
	timeout := cfg.ImageDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	baseDir := cfg.ImageOutputDir
	if baseDir == "" {
		baseDir = "./output"
	}

	var s3Upload imageUploader
	if cfg.ImageS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ImageS3Bucket}
	}

	return &ImageHandler{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		local: &localUploader{baseDir: baseDir},
		s3:    s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ImageS3Region),
	}
	if cfg.ImageS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ImageS3Endpoint,
					HostnameImmutable: cfg.ImageS3PathStyle,
					SigningRegion:     cfg.ImageS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ImageS3PathStyle
	}), nil
}

// Handle downloads, transforms, and uploads a single image.
func (h *ImageHandler) Handle(ctx context.Context, job models.Job) (map[string]any, error) {
	payload, err := decodeImagePayload(job)
	if err != nil {
		return nil, err
	}

	data, contentType, err := h.download(ctx, payload.SourceURL)
	if err != nil {
		return nil, err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	if payload.Grayscale {
		img = imaging.Grayscale(img)
	}

	width, height := payload.Width, payload.Height
	if width == 0 && height == 0 {
		width = h.cfg.ImageDefaultWidth
		height = h.cfg.ImageDefaultHeight
	}
	if width == 0 && height == 0 {
		width = 320
	}

	img = imaging.Resize(img, width, height, imaging.Lanczos)

	outputFormat := chooseFormat(payload.OutputKey, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	outputKey := payload.OutputKey
	if outputKey == "" {
		outputKey = fmt.Sprintf("%s.%s", job.ID, formatExtension(outputFormat))
	}
	outputKey = sanitizeKey(outputKey)

	uploader, destination, err := h.pickUploader(payload.Destination)
	if err != nil {
		return nil, err
	}

	location, err := uploader.Upload(ctx, outputKey, buf.Bytes(), mimeForFormat(outputFormat, contentType))
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	return map[string]any{
		"output_key":  outputKey,
		"destination": destination,
		"location":    location,
		"width":       img.Bounds().Dx(),
		"height":      img.Bounds().Dy(),
	}, nil
}

func (h *ImageHandler) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	limit := h.cfg.ImageMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	limited := io.LimitReader(resp.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("image too large (>%d bytes)", limit)
	}

	return body, resp.Header.Get("Content-Type"), nil
}

func (h *ImageHandler) pickUploader(destination string) (imageUploader, string, error) {
	switch destination {
	case "s3":
		if h.s3 == nil {
			return nil, "", errors.New("s3 destination requested but no bucket configured")
		}
		return h.s3, "s3", nil
	case "", "local":
		return h.local, "local", nil
	default:
		return nil, "", fmt.Errorf("unknown destination %q", destination)
	}
}

func decodeImagePayload(job models.Job) (imageJobPayload, error) {
	payload := imageJobPayload{}
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return payload, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.SourceURL == "" {
		return payload, errors.New("source_url is required")
	}
	return payload, nil
}

func chooseFormat(outputKey, decodedFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".gif":
		return imaging.GIF
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	switch decodedFormat {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	if strings.Contains(contentType, "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func formatExtension(f imaging.Format) string {
	switch f {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	default:
		return "jpg"
	}
}

func mimeForFormat(f imaging.Format, fallback string) string {
	switch f {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.JPEG:
		return "image/jpeg"
	}
	if fallback != "" {
		return fallback
	}
	return "application/octet-stream"
}

func sanitizeKey(key string) string {
	key = strings.TrimLeft(key, "/")
	parts := strings.Split(key, "/")
	clean := parts[:0]
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			continue
		}
		clean = append(clean, p)
	}
	return strings.Join(clean, "/")
}

type localUploader struct {
	baseDir string
}

func (u *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(u.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write output: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (u *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, key), nil
}
