package funcname

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidName is returned when a string is not a fully-qualified
// function resource name.
var ErrInvalidName = errors.New("invalid function name")

// Name is a fully-qualified Cloud Functions resource name of the form
// projects/{project}/locations/{region}/functions/{shortName}.
type Name struct {
	project string
	region  string
	short   string
}

// New builds a Name from its components.
func New(project, region, shortName string) Name {
	return Name{project: project, region: region, short: shortName}
}

// Parse parses a fully-qualified function name.
// Examples:
//   - "projects/p/locations/us-central1/functions/api-hello" -> ok
//   - "projects/p/locations/us-central1/functions" -> ErrInvalidName
//   - "api-hello" -> ErrInvalidName
func Parse(fullName string) (Name, error) {
	parts := strings.Split(fullName, "/")
	if len(parts) != 6 ||
		parts[0] != "projects" ||
		parts[2] != "locations" ||
		parts[4] != "functions" {
		return Name{}, fmt.Errorf("%w: %q", ErrInvalidName, fullName)
	}
	for _, p := range []string{parts[1], parts[3], parts[5]} {
		if p == "" {
			return Name{}, fmt.Errorf("%w: %q", ErrInvalidName, fullName)
		}
	}
	return Name{project: parts[1], region: parts[3], short: parts[5]}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(fullName string) Name {
	n, err := Parse(fullName)
	if err != nil {
		panic(err)
	}
	return n
}

// String returns the fully-qualified name.
func (n Name) String() string {
	return "projects/" + n.project + "/locations/" + n.region + "/functions/" + n.short
}

// Project returns the project segment.
func (n Name) Project() string { return n.project }

// Region returns the region (location) segment.
func (n Name) Region() string { return n.region }

// ShortName returns the function id, the last segment.
func (n Name) ShortName() string { return n.short }

// Location returns the parent location, projects/{project}/locations/{region}.
func (n Name) Location() string {
	return "projects/" + n.project + "/locations/" + n.region
}

// Label returns the human readable "shortName(region)" form.
func (n Name) Label() string {
	return n.short + "(" + n.region + ")"
}

// ScheduleName returns the Cloud Scheduler job name used for a scheduled
// function.
//
// The same name is used to create, delete and display schedules; schedules
// created under a different pattern are never cleaned up, so this must not
// change.
func (n Name) ScheduleName(appEngineLocation string) string {
	return "projects/" + n.project + "/locations/" + appEngineLocation +
		"/jobs/firebase-schedule-" + n.short + "-" + n.region
}

// TopicName returns the Pub/Sub topic a scheduled function is triggered
// from. Like ScheduleName, this pattern is used for both create and delete
// and must not change.
func (n Name) TopicName() string {
	return "projects/" + n.project + "/topics/firebase-schedule-" + n.short + "-" + n.region
}

// ShortNameOf returns the last "/" segment of name. It accepts both
// fully-qualified and short names.
func ShortNameOf(name string) string {
	if idx := strings.LastIndex(name, "/"); idx != -1 {
		return name[idx+1:]
	}
	return name
}

// LabelOf returns the label for a fully-qualified name, or the name itself
// when it cannot be parsed.
func LabelOf(name string) string {
	n, err := Parse(name)
	if err != nil {
		return name
	}
	return n.Label()
}
