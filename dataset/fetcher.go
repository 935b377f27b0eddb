package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"houseprice/ml"
)

// RawRecord 原始记录，字段名和取值保持数据源原样
type RawRecord = map[string]interface{}

// Source 数据源
type Source interface {
	Fetch(ctx context.Context) ([]RawRecord, error)
	Location() string
}

// Fetcher 从 HTTP(S) 地址或本地文件读取 JSON 数组
type Fetcher struct {
	location string
	encoding string
	client   *http.Client
}

// FetcherOption 配置 Fetcher
type FetcherOption func(*Fetcher)

// WithEncoding 设置数据源字符集，例如 gbk、windows-1252
func WithEncoding(name string) FetcherOption {
	return func(f *Fetcher) { f.encoding = name }
}

// WithHTTPClient 替换默认 HTTP 客户端
func WithHTTPClient(client *http.Client) FetcherOption {
	return func(f *Fetcher) {
		if client != nil {
			f.client = client
		}
	}
}

// NewFetcher 创建数据读取器
func NewFetcher(location string, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		location: location,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Location 返回数据源地址
func (f *Fetcher) Location() string {
	return f.location
}

// Fetch 读取并解码整个数据集
func (f *Fetcher) Fetch(ctx context.Context) ([]RawRecord, error) {
	body, err := f.open(ctx)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	reader, err := f.decode(body)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(reader)
	dec.UseNumber()
	var records []RawRecord
	if err := dec.Decode(&records); err != nil {
		return nil, &ml.OpError{Op: "dataset.fetch", Kind: ml.KindData, Err: fmt.Errorf("decode %s: %w", f.location, err)}
	}
	return records, nil
}

func (f *Fetcher) open(ctx context.Context) (io.ReadCloser, error) {
	if f.location == "" {
		return nil, fmt.Errorf("dataset location is empty")
	}
	if !isRemote(f.location) {
		file, err := os.Open(f.location)
		if err != nil {
			return nil, fmt.Errorf("open dataset: %w", err)
		}
		return file, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.location, nil)
	if err != nil {
		return nil, fmt.Errorf("build dataset request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch dataset: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch dataset: unexpected status %s", resp.Status)
	}
	return resp.Body, nil
}

func (f *Fetcher) decode(r io.Reader) (io.Reader, error) {
	name := strings.ToLower(strings.TrimSpace(f.encoding))
	if name == "" || name == "utf-8" || name == "utf8" {
		return r, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unsupported dataset encoding %q: %w", f.encoding, err)
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}

func isRemote(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}
