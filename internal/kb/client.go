// Package kb publishes human-readable copies of ingested documents into
// a BookStack-style knowledge base organized as book > chapter > page.
// Name-to-id caches are process-local optimization state, rebuilt from
// the remote system on miss and never treated as a source of truth.
package kb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"corpusd/internal/retry"
)

var ErrPageNotFound = errors.New("kb: page not found")

// Page is the unit of publication. Chapter is optional; an empty chapter
// name attaches the page directly to the book.
type Page struct {
	Book        string
	BookDesc    string
	Chapter     string
	ChapterDesc string
	Title       string
	HTML        string
	Tags        map[string]string
}

type Config struct {
	BaseURL     string
	TokenID     string
	TokenSecret string
	MaxAttempts int
	BaseDelay   time.Duration
	Timeout     time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

type pageRef struct {
	id  int
	url string
}

type Client struct {
	cfg  Config
	http *http.Client

	mu       sync.Mutex
	books    map[string]int     // book name -> id
	chapters map[string]int     // bookID/chapter name -> id
	pages    map[string]pageRef // bookID/chapterID/title -> ref
}

func NewClient(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		books:    make(map[string]int),
		chapters: make(map[string]int),
		pages:    make(map[string]pageRef),
	}
}

// Write resolves or creates the book and chapter, then creates the page
// or updates it in place. The returned URL is stable across rewrites of
// the same page, which is what makes publication idempotent.
func (c *Client) Write(ctx context.Context, p Page) (string, error) {
	bookID, err := c.resolveBook(ctx, p.Book, p.BookDesc)
	if err != nil {
		return "", err
	}

	chapterID := 0
	if p.Chapter != "" {
		chapterID, err = c.resolveChapter(ctx, bookID, p.Chapter, p.ChapterDesc)
		if err != nil {
			return "", err
		}
	}

	return c.writePage(ctx, bookID, chapterID, p)
}

// WriteBatch publishes sequentially; the underlying API has no
// multi-document endpoint.
func (c *Client) WriteBatch(ctx context.Context, pages []Page) ([]string, error) {
	urls := make([]string, 0, len(pages))
	for _, p := range pages {
		u, err := c.Write(ctx, p)
		if err != nil {
			return urls, err
		}
		urls = append(urls, u)
	}
	return urls, nil
}

// HealthCheck lists books as a liveness probe.
func (c *Client) HealthCheck(ctx context.Context) error {
	var out listResponse
	return c.call(ctx, http.MethodGet, "/api/books", nil, &out)
}

type entity struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

type listResponse struct {
	Data []entity `json:"data"`
}

func (c *Client) resolveBook(ctx context.Context, name, desc string) (int, error) {
	c.mu.Lock()
	if id, ok := c.books[name]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	var list listResponse
	q := url.Values{"filter[name]": {name}}
	if err := c.call(ctx, http.MethodGet, "/api/books?"+q.Encode(), nil, &list); err != nil {
		return 0, fmt.Errorf("search book %q: %w", name, err)
	}
	for _, b := range list.Data {
		if b.Name == name {
			c.remember(c.books, name, b.ID)
			return b.ID, nil
		}
	}

	var created entity
	body := map[string]string{"name": name, "description": desc}
	if err := c.call(ctx, http.MethodPost, "/api/books", body, &created); err != nil {
		return 0, fmt.Errorf("create book %q: %w", name, err)
	}
	c.remember(c.books, name, created.ID)
	return created.ID, nil
}

func (c *Client) resolveChapter(ctx context.Context, bookID int, name, desc string) (int, error) {
	key := fmt.Sprintf("%d/%s", bookID, name)
	c.mu.Lock()
	if id, ok := c.chapters[key]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	var list listResponse
	q := url.Values{
		"filter[book_id]": {fmt.Sprint(bookID)},
		"filter[name]":    {name},
	}
	if err := c.call(ctx, http.MethodGet, "/api/chapters?"+q.Encode(), nil, &list); err != nil {
		return 0, fmt.Errorf("search chapter %q: %w", name, err)
	}
	for _, ch := range list.Data {
		if ch.Name == name {
			c.remember(c.chapters, key, ch.ID)
			return ch.ID, nil
		}
	}

	var created entity
	body := map[string]any{"book_id": bookID, "name": name, "description": desc}
	if err := c.call(ctx, http.MethodPost, "/api/chapters", body, &created); err != nil {
		return 0, fmt.Errorf("create chapter %q: %w", name, err)
	}
	c.remember(c.chapters, key, created.ID)
	return created.ID, nil
}

func (c *Client) writePage(ctx context.Context, bookID, chapterID int, p Page) (string, error) {
	key := fmt.Sprintf("%d/%d/%s", bookID, chapterID, p.Title)

	c.mu.Lock()
	ref, cached := c.pages[key]
	c.mu.Unlock()

	if !cached {
		found, err := c.searchPage(ctx, bookID, chapterID, p.Title)
		switch {
		case err == nil:
			ref, cached = found, true
		case errors.Is(err, ErrPageNotFound):
		default:
			return "", err
		}
	}

	body := map[string]any{
		"name": p.Title,
		"html": p.HTML,
		"tags": tagList(p.Tags),
	}
	if chapterID > 0 {
		body["chapter_id"] = chapterID
	} else {
		body["book_id"] = bookID
	}

	var saved entity
	if cached {
		// Update in place: the page keeps its remote id and URL.
		if err := c.call(ctx, http.MethodPut, fmt.Sprintf("/api/pages/%d", ref.id), body, &saved); err != nil {
			return "", fmt.Errorf("update page %q: %w", p.Title, err)
		}
	} else {
		if err := c.call(ctx, http.MethodPost, "/api/pages", body, &saved); err != nil {
			return "", fmt.Errorf("create page %q: %w", p.Title, err)
		}
	}

	pageURL := saved.URL
	if pageURL == "" {
		pageURL = fmt.Sprintf("%s/link/%d", c.cfg.BaseURL, saved.ID)
	}
	c.mu.Lock()
	c.pages[key] = pageRef{id: saved.ID, url: pageURL}
	c.mu.Unlock()
	return pageURL, nil
}

func (c *Client) searchPage(ctx context.Context, bookID, chapterID int, title string) (pageRef, error) {
	q := url.Values{
		"filter[book_id]": {fmt.Sprint(bookID)},
		"filter[name]":    {title},
	}
	if chapterID > 0 {
		q.Set("filter[chapter_id]", fmt.Sprint(chapterID))
	}
	var list listResponse
	if err := c.call(ctx, http.MethodGet, "/api/pages?"+q.Encode(), nil, &list); err != nil {
		return pageRef{}, fmt.Errorf("search page %q: %w", title, err)
	}
	for _, pg := range list.Data {
		if pg.Name == title {
			return pageRef{id: pg.ID, url: pg.URL}, nil
		}
	}
	return pageRef{}, ErrPageNotFound
}

func (c *Client) remember(cache map[string]int, key string, id int) {
	c.mu.Lock()
	cache[key] = id
	c.mu.Unlock()
}

type tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func tagList(tags map[string]string) []tag {
	out := make([]tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, tag{Name: k, Value: v})
	}
	return out
}

// call is the single HTTP path every remote operation routes through:
// token auth, JSON codec, and the shared retry policy.
func (c *Client) call(ctx context.Context, method, path string, body any, out any) error {
	return retry.Do(ctx, retry.Policy{
		MaxAttempts: c.cfg.MaxAttempts,
		BaseDelay:   c.cfg.BaseDelay,
		Retryable:   retry.RetryableHTTP,
	}, func() error {
		return c.callOnce(ctx, method, path, body, out)
	})
}

func (c *Client) callOnce(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Token %s:%s", c.cfg.TokenID, c.cfg.TokenSecret))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &retry.HTTPError{Status: resp.StatusCode, Body: string(detail)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s: %v", method, path, err)
		}
	}
	return nil
}
