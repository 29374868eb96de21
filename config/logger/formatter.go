// Package logger configures logrus and prefixes log messages with the branch name.
package logger

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// BranchField is the log field that BranchFormatter turns into a prefix
const BranchField = "branch"

// BranchFormatter is a logrus formatter that moves the 'branch' field into
// a log prefix for nicer formatted text output.
type BranchFormatter struct {
	Parent logrus.Formatter
}

// Format implements logrus.Formatter
func (f *BranchFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	if v, exists := entry.Data[BranchField]; exists {
		// Work on a copy, the entry may be shared with other hooks
		e := entry.Dup()
		e.Level = entry.Level
		e.Message = fmt.Sprintf("[%-14v] %s", v, entry.Message)
		delete(e.Data, BranchField)
		return f.Parent.Format(e)
	}
	return f.Parent.Format(entry)
}
