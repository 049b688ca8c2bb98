// Package metadata queries the fleet API for applications, releases and
// the images that make them up.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a query matches no rows.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned when the API rejects the token.
	ErrUnauthorized = errors.New("unauthorized")
)

// StatusError is returned for any other non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// ReleaseImage is one service image of a release.
type ReleaseImage struct {
	ServiceID     int64
	ImageLocation string
	ContentHash   string
}

// Client is a read-only fleet API client. It is immutable; WithToken
// returns a copy bound to a different bearer token.
type Client struct {
	baseURL      string
	registryHost string
	token        string
	http         *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBaseURL overrides the https://<apiHost> base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout bounds every request. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		hc := *c.http
		hc.Timeout = d
		c.http = &hc
	}
}

// New creates a client for the API at apiHost. registryHost is the service
// name used when requesting registry tokens.
func New(apiHost, registryHost string, opts ...Option) *Client {
	c := &Client{
		baseURL:      "https://" + apiHost,
		registryHost: registryHost,
		http:         &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithToken returns a copy of the client that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

type ref struct {
	ID int64 `json:"__id"`
}

// ArchitectureOf returns the CPU architecture slug of the application's
// device type.
func (c *Client) ArchitectureOf(ctx context.Context, slug string) (string, error) {
	var rows []struct {
		DeviceType []struct {
			Arch []struct {
				Slug string `json:"slug"`
			} `json:"is_of__cpu_architecture"`
		} `json:"is_for__device_type"`
	}
	err := c.query(ctx, "application", url.Values{
		"$filter": {"slug eq " + quote(slug)},
		"$select": {"id"},
		"$expand": {"is_for__device_type($select=slug;$expand=is_of__cpu_architecture($select=slug))"},
	}, &rows)
	if err != nil {
		return "", fmt.Errorf("querying architecture of %s: %w", slug, err)
	}
	if len(rows) == 0 || len(rows[0].DeviceType) == 0 || len(rows[0].DeviceType[0].Arch) == 0 {
		return "", fmt.Errorf("architecture of %s: %w", slug, ErrNotFound)
	}
	return rows[0].DeviceType[0].Arch[0].Slug, nil
}

// ActiveReleaseID returns the release the application's devices should be
// running.
func (c *Client) ActiveReleaseID(ctx context.Context, slug string) (int64, error) {
	var rows []struct {
		Release *ref `json:"should_be_running__release"`
	}
	err := c.query(ctx, "application", url.Values{
		"$filter": {"slug eq " + quote(slug)},
		"$select": {"should_be_running__release"},
	}, &rows)
	if err != nil {
		return 0, fmt.Errorf("querying active release of %s: %w", slug, err)
	}
	if len(rows) == 0 || rows[0].Release == nil {
		return 0, fmt.Errorf("active release of %s: %w", slug, ErrNotFound)
	}
	return rows[0].Release.ID, nil
}

// ReleaseIDForCommit returns the id of the application's release with the
// given commit.
func (c *Client) ReleaseIDForCommit(ctx context.Context, slug, commit string) (int64, error) {
	var rows []struct {
		ID int64 `json:"id"`
	}
	err := c.query(ctx, "release", url.Values{
		"$filter": {"commit eq " + quote(commit) + " and belongs_to__application/slug eq " + quote(slug)},
		"$select": {"id"},
	}, &rows)
	if err != nil {
		return 0, fmt.Errorf("querying release %s: %w", commit, err)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("release %s: %w", commit, ErrNotFound)
	}
	return rows[0].ID, nil
}

// ImagesOf returns the images of a release in the order the API lists the
// release's image links.
func (c *Client) ImagesOf(ctx context.Context, releaseID int64) ([]ReleaseImage, error) {
	var links []struct {
		Image ref `json:"image"`
	}
	err := c.query(ctx, "image__is_part_of__release", url.Values{
		"$filter": {"is_part_of__release eq " + strconv.FormatInt(releaseID, 10)},
		"$select": {"image"},
	}, &links)
	if err != nil {
		return nil, fmt.Errorf("querying images of release %d: %w", releaseID, err)
	}
	if len(links) == 0 {
		return nil, fmt.Errorf("images of release %d: %w", releaseID, ErrNotFound)
	}

	ids := make([]string, len(links))
	for i, l := range links {
		ids[i] = strconv.FormatInt(l.Image.ID, 10)
	}

	var rows []struct {
		ID          int64  `json:"id"`
		Service     ref    `json:"is_a_build_of__service"`
		Location    string `json:"is_stored_at__image_location"`
		ContentHash string `json:"content_hash"`
	}
	err = c.query(ctx, "image", url.Values{
		"$filter": {"id in (" + strings.Join(ids, ",") + ")"},
		"$select": {"id,is_a_build_of__service,is_stored_at__image_location,content_hash"},
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("querying image metadata of release %d: %w", releaseID, err)
	}

	byID := make(map[int64]ReleaseImage, len(rows))
	for _, r := range rows {
		byID[r.ID] = ReleaseImage{
			ServiceID:     r.Service.ID,
			ImageLocation: r.Location,
			ContentHash:   r.ContentHash,
		}
	}

	images := make([]ReleaseImage, 0, len(links))
	for _, l := range links {
		if img, ok := byID[l.Image.ID]; ok {
			images = append(images, img)
		}
	}
	return images, nil
}

// RegistryToken requests a registry token with pull access to every image.
func (c *Client) RegistryToken(ctx context.Context, images []string) (string, error) {
	q := url.Values{"service": {c.registryHost}}
	for _, img := range images {
		q.Add("scope", "repository:"+repositoryOf(img, c.registryHost)+":pull")
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := c.get(ctx, "/auth/v1/token", q, &body); err != nil {
		return "", fmt.Errorf("requesting registry token: %w", err)
	}
	if body.Token == "" {
		return "", fmt.Errorf("registry token: %w", ErrNotFound)
	}
	return body.Token, nil
}

func (c *Client) query(ctx context.Context, resource string, q url.Values, rows any) error {
	var body struct {
		D json.RawMessage `json:"d"`
	}
	if err := c.get(ctx, "/v6/"+resource, q, &body); err != nil {
		return err
	}
	if len(body.D) == 0 {
		return ErrNotFound
	}
	if err := json.Unmarshal(body.D, rows); err != nil {
		return fmt.Errorf("decoding %s: %w", resource, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// quote renders s as an OData string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// repositoryOf strips the registry host and any tag or digest from an
// image location.
func repositoryOf(image, registryHost string) string {
	repo := strings.TrimPrefix(image, registryHost+"/")
	if i := strings.Index(repo, "@"); i >= 0 {
		repo = repo[:i]
	}
	if i := strings.LastIndex(repo, ":"); i > strings.LastIndex(repo, "/") {
		repo = repo[:i]
	}
	return repo
}
