// Package portal provides a ClassPortal backed by a YAML roster file.
package portal

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/omegaup/autotest/common"
)

// Course is the configuration of a single course in the roster file.
type Course struct {
	ID                   string                     `yaml:"id"`
	DefaultDeliverable   string                     `yaml:"defaultDeliverable"`
	FeedbackDelaySeconds int                        `yaml:"feedbackDelaySeconds"`
	Staff                []string                   `yaml:"staff"`
	Deliverables         []common.DeliverableConfig `yaml:"deliverables"`
}

// Roster is the contents of the roster file.
//
// An example file:
//
//	courses:
//	  - id: cs310
//	    defaultDeliverable: d1
//	    feedbackDelaySeconds: 43200
//	    staff: [prof, ta1]
//	    deliverables:
//	      - id: d1
//	        image: autotest/cs310-grader:latest
//	        timeLimit: 5m
//	        env:
//	          GRADER_MODE: full
type Roster struct {
	Courses []Course `yaml:"courses"`
}

type course struct {
	Course
	staff        map[string]struct{}
	deliverables map[string]*common.DeliverableConfig
}

// ErrUnknownCourse is returned when a course is not in the roster.
type ErrUnknownCourse struct {
	CourseID string
}

func (e *ErrUnknownCourse) Error() string {
	return fmt.Sprintf("unknown course %q", e.CourseID)
}

// A YAMLPortal serves the course configuration from a roster file. It can be
// reloaded at runtime.
type YAMLPortal struct {
	path string

	mu      sync.RWMutex
	courses map[string]*course
}

// Load reads the roster file at path.
func Load(path string) (*YAMLPortal, error) {
	p := &YAMLPortal{path: path}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// New returns a YAMLPortal with the roster read from r. It cannot be
// reloaded.
func New(r io.Reader) (*YAMLPortal, error) {
	courses, err := parse(r)
	if err != nil {
		return nil, err
	}
	return &YAMLPortal{courses: courses}, nil
}

// Reload re-reads the roster file. The previous roster is kept if the file
// cannot be read or is invalid.
func (p *YAMLPortal) Reload() error {
	if p.path == "" {
		return nil
	}
	f, err := os.Open(p.path)
	if err != nil {
		return fmt.Errorf("open roster: %w", err)
	}
	defer f.Close()

	courses, err := parse(f)
	if err != nil {
		return fmt.Errorf("%s: %w", p.path, err)
	}
	p.mu.Lock()
	p.courses = courses
	p.mu.Unlock()
	return nil
}

func parse(r io.Reader) (map[string]*course, error) {
	var roster Roster
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&roster); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse roster: %w", err)
	}

	courses := make(map[string]*course)
	for _, c := range roster.Courses {
		if c.ID == "" {
			return nil, fmt.Errorf("course without id")
		}
		if _, ok := courses[c.ID]; ok {
			return nil, fmt.Errorf("duplicate course %q", c.ID)
		}
		if c.FeedbackDelaySeconds < 0 {
			return nil, fmt.Errorf("course %q: negative feedbackDelaySeconds", c.ID)
		}
		entry := &course{
			Course:       c,
			staff:        make(map[string]struct{}),
			deliverables: make(map[string]*common.DeliverableConfig),
		}
		for _, user := range c.Staff {
			entry.staff[user] = struct{}{}
		}
		for i := range c.Deliverables {
			deliverable := &c.Deliverables[i]
			if deliverable.ID == "" || deliverable.Image == "" {
				return nil, fmt.Errorf("course %q: deliverables need an id and an image", c.ID)
			}
			if _, ok := entry.deliverables[deliverable.ID]; ok {
				return nil, fmt.Errorf("course %q: duplicate deliverable %q", c.ID, deliverable.ID)
			}
			entry.deliverables[deliverable.ID] = deliverable
		}
		if c.DefaultDeliverable != "" {
			if _, ok := entry.deliverables[c.DefaultDeliverable]; !ok {
				return nil, fmt.Errorf("course %q: unknown default deliverable %q", c.ID, c.DefaultDeliverable)
			}
		}
		courses[c.ID] = entry
	}
	return courses, nil
}

func (p *YAMLPortal) course(courseID string) (*course, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.courses[courseID]
	if !ok {
		return nil, &ErrUnknownCourse{CourseID: courseID}
	}
	return c, nil
}

// CourseIDs returns the ids of all courses, sorted.
func (p *YAMLPortal) CourseIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.courses))
	for id := range p.courses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsStaff returns whether userName is a member of the course staff.
func (p *YAMLPortal) IsStaff(ctx context.Context, courseID, userName string) (bool, error) {
	c, err := p.course(courseID)
	if err != nil {
		return false, err
	}
	_, ok := c.staff[userName]
	return ok, nil
}

// GetFeedbackDelaySeconds returns the minimum time between two charged
// feedback requests.
func (p *YAMLPortal) GetFeedbackDelaySeconds(ctx context.Context, courseID string) (int, error) {
	c, err := p.course(courseID)
	if err != nil {
		return 0, err
	}
	return c.FeedbackDelaySeconds, nil
}

// GetDefaultDeliverableID returns the deliverable that commits are graded
// against when nobody asked for a specific one. It is the empty string if
// the course has none.
func (p *YAMLPortal) GetDefaultDeliverableID(ctx context.Context, courseID, commitURL string) (string, error) {
	c, err := p.course(courseID)
	if err != nil {
		return "", err
	}
	return c.DefaultDeliverable, nil
}

// GetDeliverableConfig returns a copy of the configuration of the
// deliverable.
func (p *YAMLPortal) GetDeliverableConfig(ctx context.Context, courseID, deliverableID string) (*common.DeliverableConfig, error) {
	c, err := p.course(courseID)
	if err != nil {
		return nil, err
	}
	deliverable, ok := c.deliverables[deliverableID]
	if !ok {
		return nil, fmt.Errorf("course %q: unknown deliverable %q", courseID, deliverableID)
	}
	result := *deliverable
	return &result, nil
}
