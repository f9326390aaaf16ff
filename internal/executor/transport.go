package executor

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/net/proxy"

	log "github.com/openmux/modelgate/internal/logging"
)

// newHTTPClient builds the shared upstream client, honoring an optional
// HTTP/HTTPS or SOCKS5 proxy URL.
func newHTTPClient(proxyURL string) *http.Client {
	client := &http.Client{}
	if proxyURL == "" {
		return client
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		log.WithError(err).Warnf("invalid proxy url %q, using direct connection", proxyURL)
		return client
	}
	switch parsed.Scheme {
	case "socks5":
		var auth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		dialer, errDial := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
		if errDial != nil {
			log.WithError(errDial).Warn("create SOCKS5 dialer failed, using direct connection")
			return client
		}
		client.Transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}
	case "http", "https":
		client.Transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
	}
	return client
}

var gzipReaderPool = sync.Pool{
	New: func() any { return new(gzip.Reader) },
}

var zstdDecoderPool = sync.Pool{
	New: func() any {
		decoder, _ := zstd.NewReader(nil)
		return decoder
	},
}

var brotliReaderPool = sync.Pool{
	New: func() any { return new(brotli.Reader) },
}

// decodeBody wraps the response body with the decoder matching its
// Content-Encoding. Readers come from pools; Close returns them.
func decodeBody(resp *http.Response) io.ReadCloser {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		reader := gzipReaderPool.Get().(*gzip.Reader)
		if err := reader.Reset(resp.Body); err != nil {
			gzipReaderPool.Put(reader)
			return resp.Body
		}
		return &pooledBody{
			Reader: reader,
			closers: []func() error{
				reader.Close,
				func() error { gzipReaderPool.Put(reader); return nil },
				resp.Body.Close,
			},
		}
	case "zstd":
		decoder := zstdDecoderPool.Get().(*zstd.Decoder)
		if err := decoder.Reset(resp.Body); err != nil {
			zstdDecoderPool.Put(decoder)
			return resp.Body
		}
		return &pooledBody{
			Reader: decoder.IOReadCloser(),
			closers: []func() error{
				func() error { zstdDecoderPool.Put(decoder); return nil },
				resp.Body.Close,
			},
		}
	case "br":
		reader := brotliReaderPool.Get().(*brotli.Reader)
		if err := reader.Reset(resp.Body); err != nil {
			brotliReaderPool.Put(reader)
			return resp.Body
		}
		return &pooledBody{
			Reader: reader,
			closers: []func() error{
				func() error { brotliReaderPool.Put(reader); return nil },
				resp.Body.Close,
			},
		}
	case "deflate":
		reader := flate.NewReader(resp.Body)
		return &pooledBody{
			Reader:  reader,
			closers: []func() error{reader.Close, resp.Body.Close},
		}
	default:
		return resp.Body
	}
}

type pooledBody struct {
	io.Reader
	closers []func() error
}

func (b *pooledBody) Close() error {
	var firstErr error
	for _, closeFn := range b.closers {
		if closeFn == nil {
			continue
		}
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
