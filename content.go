package websub

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/marcw/cachecontrol"
)

var contentClient = &http.Client{
	Timeout: 30 * time.Second,
}

// HttpContent fetches the current content of a topic URL.
func HttpContent(topic string) ([]byte, string, error) {
	data, contentType, _, err := fetchContent(topic)

	return data, contentType, err
}

func fetchContent(topic string) ([]byte, string, http.Header, error) {
	req, err := http.NewRequest(http.MethodGet, topic, nil)

	if err != nil {
		return nil, "", nil, err
	}

	req.Header.Set("User-Agent", userAgent)

	res, err := contentClient.Do(req)

	if err != nil {
		return nil, "", nil, err
	}

	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)

	if err != nil {
		return nil, "", nil, err
	}

	contentType := res.Header.Get("Content-Type")

	if contentType == "" {
		contentType = "text/xml"
	}

	return data, contentType, res.Header, nil
}

// NewContentCache creates a caching content provider. Topic fetches are
// kept for the max-age their Cache-Control header allows, so a burst of
// publish pings does not refetch the same content every time.
func NewContentCache() *ContentCache {
	return &ContentCache{
		entries: make(map[string]contentEntry),
	}
}

// ContentCache caches topic content between fetches.
type ContentCache struct {
	mu      sync.Mutex
	entries map[string]contentEntry
}

type contentEntry struct {
	data        []byte
	contentType string
	until       time.Time
}

// Fetch returns the topic's content, from cache while it is fresh.
// Responses without a positive max-age are not kept.
func (c *ContentCache) Fetch(topic string) ([]byte, string, error) {
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[topic]; ok && now.Before(e.until) {
		c.mu.Unlock()
		return e.data, e.contentType, nil
	}
	c.mu.Unlock()

	data, contentType, header, err := fetchContent(topic)

	if err != nil {
		return nil, "", err
	}

	control := cachecontrol.Parse(header.Get("Cache-Control"))

	if maxAge := control.MaxAge(); maxAge > 0 {
		c.mu.Lock()
		c.entries[topic] = contentEntry{
			data:        data,
			contentType: contentType,
			until:       now.Add(maxAge),
		}
		c.mu.Unlock()
	}

	return data, contentType, nil
}
