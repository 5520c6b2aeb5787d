// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"github.com/golang/glog"
)

// Glog logs through github.com/golang/glog. Debug messages are logged at verbosity 1.
type Glog struct{}

var _ Logger = Glog{}

// Error implements Logger.
func (Glog) Error(msg string, err error) {
	glog.ErrorDepth(1, msg+": ", err)
}

// Info implements Logger.
func (Glog) Info(msg string) {
	glog.InfoDepth(1, msg)
}

// Debug implements Logger.
func (Glog) Debug(msg string) {
	if glog.V(1) {
		glog.InfoDepth(1, msg)
	}
}
