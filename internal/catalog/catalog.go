// Package catalog fetches course and assignment definitions from the
// published XML resource files. A resources.xml document lists the
// courses, each carrying an href to its per-course assignment XML.
package catalog

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnknownCourse     = errors.New("catalog: unknown course")
	ErrUnknownAssignment = errors.New("catalog: unknown assignment")
)

const (
	defaultHTTPTimeout = 15 * time.Second
	defaultMaxBodySize = 4 << 20
)

// Course is one entry from the resources document.
type Course struct {
	Code  string
	Title string
	// URL locates the course's assignment XML.
	URL string
	// Debug marks courses hidden from regular users.
	Debug bool
}

// Assignment is one assignment definition from a course's XML.
type Assignment struct {
	Name     string
	Title    string
	Due      string
	Language string

	// RelPath permits uploads to carry relative sub-paths.
	RelPath bool

	MainFile string
	Files    []string
	Reports  []string

	// ResourceFiles are the basenames of project resources the
	// checker fetches itself. Uploads may not shadow them.
	ResourceFiles []string

	// ResultFiles are produced by running the project. Uploads may
	// not pre-supply them.
	ResultFiles []string

	// AllowedBinaryExts lists extensions exempt from the binary ban.
	AllowedBinaryExts []string
}

// AllowsBinary reports whether ext is on the assignment's binary
// allow list. The comparison ignores case and a leading dot.
func (a Assignment) AllowsBinary(ext string) bool {
	ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
	for _, allowed := range a.AllowedBinaryExts {
		if strings.EqualFold(strings.TrimPrefix(allowed, "."), ext) {
			return true
		}
	}
	return false
}

// RequiredFiles returns the main file followed by the other required
// files, skipping blanks.
func (a Assignment) RequiredFiles() []string {
	out := make([]string, 0, len(a.Files)+1)
	if a.MainFile != "" {
		out = append(out, a.MainFile)
	}
	out = append(out, a.Files...)
	return out
}

// Config configures a catalog Client.
type Config struct {
	// ResourcesURL locates the top-level resources.xml document.
	ResourcesURL string

	// IncludeDebug exposes courses flagged debug="true".
	IncludeDebug bool

	HTTPClient  *http.Client
	MaxBodySize int64
}

// Client loads and caches catalog data. Safe for concurrent use.
type Client struct {
	resourcesURL string
	includeDebug bool
	httpClient   *http.Client
	maxBodySize  int64

	mu          sync.Mutex
	courses     map[string]Course
	courseOrder []string
	assignments map[string]map[string]Assignment
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.ResourcesURL) == "" {
		return nil, errors.New("catalog: resources URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	maxBody := cfg.MaxBodySize
	if maxBody <= 0 {
		maxBody = defaultMaxBodySize
	}
	return &Client{
		resourcesURL: strings.TrimSpace(cfg.ResourcesURL),
		includeDebug: cfg.IncludeDebug,
		httpClient:   httpClient,
		maxBodySize:  maxBody,
		assignments:  make(map[string]map[string]Assignment),
	}, nil
}

// Courses returns every visible course, in document order.
func (c *Client) Courses(ctx context.Context) ([]Course, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadCoursesLocked(ctx); err != nil {
		return nil, err
	}
	out := make([]Course, 0, len(c.courseOrder))
	for _, code := range c.courseOrder {
		out = append(out, c.courses[code])
	}
	return out, nil
}

// Course returns the course with the given code.
func (c *Client) Course(ctx context.Context, code string) (Course, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadCoursesLocked(ctx); err != nil {
		return Course{}, err
	}
	course, ok := c.courses[code]
	if !ok {
		return Course{}, fmt.Errorf("%w: %q", ErrUnknownCourse, code)
	}
	return course, nil
}

// Assignments returns a course's assignments ordered by due date,
// most recent first.
func (c *Client) Assignments(ctx context.Context, courseCode string) ([]Assignment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byName, err := c.loadAssignmentsLocked(ctx, courseCode)
	if err != nil {
		return nil, err
	}
	out := make([]Assignment, 0, len(byName))
	for _, a := range byName {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Due != out[j].Due {
			return out[i].Due > out[j].Due
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Assignment returns one assignment of a course by name.
func (c *Client) Assignment(ctx context.Context, courseCode, name string) (Assignment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byName, err := c.loadAssignmentsLocked(ctx, courseCode)
	if err != nil {
		return Assignment{}, err
	}
	a, ok := byName[name]
	if !ok {
		return Assignment{}, fmt.Errorf("%w: %q in course %q", ErrUnknownAssignment, name, courseCode)
	}
	return a, nil
}

// Invalidate drops all cached catalog data.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.courses = nil
	c.courseOrder = nil
	c.assignments = make(map[string]map[string]Assignment)
	c.mu.Unlock()
}

func (c *Client) loadCoursesLocked(ctx context.Context) error {
	if c.courses != nil {
		return nil
	}

	body, err := c.fetch(ctx, c.resourcesURL)
	if err != nil {
		return fmt.Errorf("catalog: fetch resources: %w", err)
	}

	var doc resourcesXML
	if err := xml.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("catalog: parse resources: %w", err)
	}

	courses := make(map[string]Course)
	var order []string
	add := func(r resourceXML) {
		course, ok := r.toCourse(c.includeDebug)
		if !ok {
			return
		}
		if _, seen := courses[course.Code]; seen {
			return
		}
		courses[course.Code] = course
		order = append(order, course.Code)
	}

	for _, r := range doc.Resources {
		add(r)
	}

	// A <courses href> element points at a remote document holding
	// further course entries. Its inline body is the fallback when
	// the remote document cannot be fetched.
	if doc.Courses != nil {
		remote, err := c.fetchRemoteCourses(ctx, doc.Courses.Href)
		if err != nil {
			for _, r := range doc.Courses.Resources {
				add(r)
			}
		} else {
			for _, r := range remote {
				add(r)
			}
		}
	}

	c.courses = courses
	c.courseOrder = order
	return nil
}

func (c *Client) fetchRemoteCourses(ctx context.Context, href string) ([]resourceXML, error) {
	href = strings.TrimSpace(href)
	if href == "" {
		return nil, errors.New("catalog: courses element missing href")
	}
	body, err := c.fetch(ctx, href)
	if err != nil {
		return nil, err
	}
	var doc resourcesXML
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("catalog: parse remote courses: %w", err)
	}
	return doc.Resources, nil
}

func (c *Client) loadAssignmentsLocked(ctx context.Context, courseCode string) (map[string]Assignment, error) {
	if byName, ok := c.assignments[courseCode]; ok {
		return byName, nil
	}

	if err := c.loadCoursesLocked(ctx); err != nil {
		return nil, err
	}
	course, ok := c.courses[courseCode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCourse, courseCode)
	}

	body, err := c.fetch(ctx, course.URL)
	if err != nil {
		return nil, fmt.Errorf("catalog: fetch assignments for %q: %w", courseCode, err)
	}

	var doc assignmentsXML
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("catalog: parse assignments for %q: %w", courseCode, err)
	}

	byName := make(map[string]Assignment, len(doc.Assignments))
	for _, raw := range doc.Assignments {
		a, ok := raw.toAssignment()
		if !ok {
			continue
		}
		byName[a.Name] = a
	}

	c.assignments[courseCode] = byName
	return byName, nil
}

func (c *Client) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s from %s", resp.Status, rawURL)
	}
	return io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize))
}

type resourcesXML struct {
	XMLName   xml.Name      `xml:"resources"`
	Resources []resourceXML `xml:"resource"`
	Courses   *coursesXML   `xml:"courses"`
}

type coursesXML struct {
	Href      string        `xml:"href,attr"`
	Resources []resourceXML `xml:"resource"`
}

type resourceXML struct {
	Name  string `xml:"name,attr"`
	Href  string `xml:"href,attr"`
	Debug string `xml:"debug,attr"`
	Title string `xml:",chardata"`
}

func (r resourceXML) toCourse(includeDebug bool) (Course, bool) {
	code := strings.TrimSpace(r.Name)
	href := strings.TrimSpace(r.Href)
	if code == "" || href == "" {
		return Course{}, false
	}
	debug := boolValue(r.Debug)
	if debug && !includeDebug {
		return Course{}, false
	}
	return Course{
		Code:  code,
		Title: strings.TrimSpace(r.Title),
		URL:   href,
		Debug: debug,
	}, true
}

type assignmentsXML struct {
	XMLName     xml.Name        `xml:"assignments"`
	Assignments []assignmentXML `xml:"assignment"`
}

type assignmentXML struct {
	Name     string `xml:"name,attr"`
	Language string `xml:"language,attr"`
	RelPath  string `xml:"relpath,attr"`

	Title    string   `xml:"title"`
	Due      string   `xml:"due"`
	MainFile string   `xml:"mainfile"`
	Files    []string `xml:"file"`
	Reports  []string `xml:"report"`

	ResourceFiles []struct {
		Src string `xml:"src,attr"`
	} `xml:"resourcefile"`
	ResultFiles []struct {
		Name string `xml:"name,attr"`
	} `xml:"resultfile"`
	AllowedBinaries []struct {
		Ext  string `xml:"ext,attr"`
		Type string `xml:"type,attr"`
	} `xml:"allowedbinary"`
}

func (raw assignmentXML) toAssignment() (Assignment, bool) {
	name := strings.TrimSpace(raw.Name)
	if name == "" {
		return Assignment{}, false
	}

	a := Assignment{
		Name:     name,
		Title:    strings.TrimSpace(raw.Title),
		Due:      strings.TrimSpace(raw.Due),
		Language: strings.TrimSpace(raw.Language),
		RelPath:  boolValue(raw.RelPath),
		MainFile: strings.TrimSpace(raw.MainFile),
	}
	for _, f := range raw.Files {
		if f = strings.TrimSpace(f); f != "" {
			a.Files = append(a.Files, f)
		}
	}
	for _, r := range raw.Reports {
		if r = strings.TrimSpace(r); r != "" {
			a.Reports = append(a.Reports, r)
		}
	}
	for _, rf := range raw.ResourceFiles {
		if base := srcBasename(rf.Src); base != "" {
			a.ResourceFiles = append(a.ResourceFiles, base)
		}
	}
	for _, rf := range raw.ResultFiles {
		if n := strings.TrimSpace(rf.Name); n != "" {
			a.ResultFiles = append(a.ResultFiles, n)
		}
	}
	for _, ab := range raw.AllowedBinaries {
		for _, ext := range strings.Split(ab.Ext, ",") {
			if ext = strings.TrimSpace(ext); ext != "" {
				a.AllowedBinaryExts = append(a.AllowedBinaryExts, ext)
			}
		}
	}
	return a, true
}

// srcBasename extracts the filename from a resourcefile src URL.
func srcBasename(src string) string {
	src = strings.TrimSpace(src)
	if src == "" {
		return ""
	}
	u, err := url.Parse(src)
	if err != nil {
		return path.Base(src)
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return ""
	}
	return base
}

func boolValue(v string) bool {
	switch strings.TrimSpace(strings.ToLower(v)) {
	case "true", "on":
		return true
	default:
		return false
	}
}
