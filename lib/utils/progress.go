/*
Copyright 2020 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
)

// Progress streams step-by-step updates of a long running operation to the
// operator
type Progress interface {
	// NextStep prints information about the next step of the operation
	NextStep(format string, args ...interface{})
	// PrintSubStep outputs a message nested under the current step
	PrintSubStep(format string, args ...interface{})
	// PrintWarn outputs the specified warning message and logs the error
	PrintWarn(err error, format string, args ...interface{})
	// Print outputs the specified message
	Print(format string, args ...interface{})
}

// NewProgress returns a progress reporter that writes to w.
// Pass nil to write to standard output.
func NewProgress(w io.Writer) Progress {
	if w == nil {
		w = os.Stdout
	}
	return &consoleProgress{w: w}
}

// NewNopProgress returns a progress reporter that discards all updates
func NewNopProgress() Progress {
	return nopProgress{}
}

type consoleProgress struct {
	mu   sync.Mutex
	w    io.Writer
	step int
}

func (p *consoleProgress) NextStep(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.step++
	fmt.Fprintf(p.w, "* %v\n", fmt.Sprintf(format, args...))
}

func (p *consoleProgress) PrintSubStep(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "\t%v\n", fmt.Sprintf(format, args...))
}

func (p *consoleProgress) PrintWarn(err error, format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%v %v\n", color.YellowString("[WARNING]"),
		fmt.Sprintf(format, args...))
	if err != nil {
		log.WithError(err).Warn(fmt.Sprintf(format, args...))
	}
}

func (p *consoleProgress) Print(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%v\n", fmt.Sprintf(format, args...))
}

type nopProgress struct{}

func (nopProgress) NextStep(format string, args ...interface{}) {}
func (nopProgress) PrintSubStep(format string, args ...interface{}) {}
func (nopProgress) PrintWarn(err error, format string, args ...interface{}) {}
func (nopProgress) Print(format string, args ...interface{}) {}
