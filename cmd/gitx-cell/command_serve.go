// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/dot-do/gitx/pkg/cell"
	"github.com/dot-do/gitx/pkg/cell/refs"
)

type Serve struct {
	Config string `short:"c" name:"config" help:"Location of cell config file" default:"~/config/gitx-cell.toml" type:"path"`
}

func (c *Serve) Run(globals *Globals) error {
	sc, err := cell.NewConfig(c.Config, globals.ExpandEnv)
	if err != nil {
		logrus.Errorf("gitx-cell load config error: %v", err)
		return &usageError{err}
	}
	rt, err := cell.New(context.Background(), sc)
	if err != nil {
		logrus.Errorf("gitx-cell new runtime error: %v", err)
		return err
	}
	closer := newCloser()
	go closer.listenSignal(context.Background(), rt)
	if err := rt.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.Errorf("gitx-cell listen error: %v", err)
		return err
	}
	<-closer.ch
	logrus.Infof("gitx-cell exited")
	return nil
}

type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ue *usageError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ue):
		return 2
	case errors.Is(err, cell.ErrNotInitialized):
		return 3
	case refs.IsErrReferenceExists(err), refs.IsErrReferenceChanged(err):
		return 4
	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		return 5
	default:
		return 1
	}
}
