// Package tempfile creates uniquely-named temporary files in a target
// directory, used to write content atomically before it is renamed into
// place under its final content-addressed name.
package tempfile

import (
	"errors"
	"os"
	"strconv"
	"sync"
	"time"
)

// Creator maintains the state of a pseudo-random number generator used to
// name temp files.
type Creator struct {
	mu   sync.Mutex
	idum uint32
}

// NewCreator returns a new Creator.
func NewCreator() *Creator {
	return &Creator{idum: uint32(time.Now().UnixNano())}
}

// Fast "quick and dirty" linear congruential (pseudo-random) number
// generator from Numerical Recipes. This is the same algorithm as used in
// the old ioutil.TempFile go standard library function.
func (c *Creator) ranqd1() string {
	c.mu.Lock()
	c.idum = c.idum*1664525 + 1013904223
	r := c.idum
	c.mu.Unlock()
	return strconv.Itoa(int(1e9 + r%1e9))[1:]
}

const flags = os.O_RDWR | os.O_CREATE | os.O_EXCL

// Mode is the permission temp files are created with.
const Mode = 0o644

var errNoTempfile = errors.New("tempfile: failed to create a temp file after repeated collisions")

// Create opens a new file named "<base>-<random>" for exclusive writing,
// retrying on name collisions. The caller is responsible for renaming the
// returned file into its final location once fully written.
func (c *Creator) Create(base string) (*os.File, string, error) {
	for i := 0; i < 10000; i++ {
		random := c.ranqd1()
		name := base + "-" + random

		f, err := os.OpenFile(name, flags, Mode)
		if err == nil {
			return f, random, nil
		}
		if os.IsExist(err) {
			continue
		}
		return nil, "", err
	}
	return nil, "", errNoTempfile
}
