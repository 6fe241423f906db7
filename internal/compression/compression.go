package compression

import (
	"compress/gzip"
	"io"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"

	"metricboard/internal/config"
)

// Encoding Content-Encoding 取值
type Encoding string

const (
	Gzip   Encoding = "gzip"
	Brotli Encoding = "br"
)

// Compressor 把 w 包装成压缩写入器
type Compressor interface {
	Encoding() Encoding
	Compress(w io.Writer) (io.WriteCloser, error)
}

type gzipCompressor struct{ level int }

func (g gzipCompressor) Encoding() Encoding { return Gzip }

func (g gzipCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriterLevel(w, g.level)
}

type brotliCompressor struct{ level int }

func (b brotliCompressor) Encoding() Encoding { return Brotli }

func (b brotliCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return brotli.NewWriterLevel(w, b.level), nil
}

// Selector 根据 Accept-Encoding 选择压缩器，同等权重时 br 优先
type Selector struct {
	compressors []Compressor
}

func NewSelector(cfg config.CompressionConfig) *Selector {
	s := &Selector{}
	if cfg.Brotli.Enabled {
		level := cfg.Brotli.Level
		if level < brotli.BestSpeed || level > brotli.BestCompression {
			level = brotli.DefaultCompression
		}
		s.compressors = append(s.compressors, brotliCompressor{level: level})
	}
	if cfg.Gzip.Enabled {
		level := cfg.Gzip.Level
		if level < gzip.HuffmanOnly || level > gzip.BestCompression {
			level = gzip.DefaultCompression
		}
		s.compressors = append(s.compressors, gzipCompressor{level: level})
	}
	return s
}

// Select 没有可用压缩器时返回 nil
func (s *Selector) Select(acceptEncoding string) Compressor {
	if s == nil || acceptEncoding == "" {
		return nil
	}
	weights := parseAcceptEncoding(acceptEncoding)

	var best Compressor
	bestQ := 0.0
	for _, c := range s.compressors {
		q, ok := weights[string(c.Encoding())]
		if !ok {
			q, ok = weights["*"]
		}
		if !ok || q <= 0 {
			continue
		}
		if q > bestQ {
			best, bestQ = c, q
		}
	}
	return best
}

func parseAcceptEncoding(header string) map[string]float64 {
	weights := make(map[string]float64)
	for _, part := range strings.Split(header, ",") {
		fields := strings.Split(strings.TrimSpace(part), ";")
		name := strings.ToLower(strings.TrimSpace(fields[0]))
		if name == "" {
			continue
		}
		q := 1.0
		for _, param := range fields[1:] {
			param = strings.TrimSpace(param)
			if v, found := strings.CutPrefix(param, "q="); found {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					q = f
				}
			}
		}
		weights[name] = q
	}
	return weights
}
