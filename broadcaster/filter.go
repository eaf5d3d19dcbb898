package broadcaster

import (
	"fmt"
	"strings"
)

// Filter is used to determine whether messages should be sent to a particular
// subscriber.
type Filter interface {
	String() string
	Matches(msg *Message) bool
}

// An AllEventsFilter delivers all messages to a subscriber.
type AllEventsFilter struct{}

func (f *AllEventsFilter) String() string {
	return "/all-events"
}

// Matches always returns true.
func (f *AllEventsFilter) Matches(msg *Message) bool {
	return true
}

// A CourseFilter is a Filter that only allows Messages that are associated
// with a particular course.
type CourseFilter struct {
	course string
}

func (f *CourseFilter) String() string {
	return fmt.Sprintf("/course/%s", f.course)
}

// Matches returns whether the message belongs to the course.
func (f *CourseFilter) Matches(msg *Message) bool {
	return msg.Course == f.course
}

// A LaneFilter is a Filter that only allows Messages of one lane of a
// particular course.
type LaneFilter struct {
	course string
	lane   string
}

func (f *LaneFilter) String() string {
	return fmt.Sprintf("/course/%s/%s", f.course, f.lane)
}

// Matches returns whether the message belongs to the course's lane.
func (f *LaneFilter) Matches(msg *Message) bool {
	return msg.Course == f.course && msg.Lane == f.lane
}

// NewFilter parses the provided filter string and constructs a new Filter
// instance. Valid filters are /all-events, /course/<id> and
// /course/<id>/<lane>.
func NewFilter(filter string) (Filter, error) {
	const errorString = "Invalid filter: %s"

	tokens := strings.Split(filter, "/")
	if len(tokens) < 2 {
		return nil, fmt.Errorf(errorString, filter)
	}
	if tokens[0] != "" {
		return nil, fmt.Errorf(errorString, filter)
	}
	switch tokens[1] {
	case "all-events":
		if len(tokens) == 2 {
			return &AllEventsFilter{}, nil
		}
	case "course":
		switch {
		case len(tokens) == 3 && tokens[2] != "":
			return &CourseFilter{course: tokens[2]}, nil
		case len(tokens) == 4 && tokens[2] != "" && tokens[3] != "":
			return &LaneFilter{course: tokens[2], lane: tokens[3]}, nil
		}
	}
	return nil, fmt.Errorf(errorString, filter)
}
