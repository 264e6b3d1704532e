// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package errdefs defines the error kinds shared by the multiplexer, the
// plugin service and the sandbox client.
//
// Errors are wrapped with fmt.Errorf("%w: ...", ErrX) so callers can branch
// with errors.Is or the Is* helpers below.
package errdefs

import "errors"

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrIO              = errors.New("i/o error")
	ErrTransport       = errors.New("transport error")
	ErrClosed          = errors.New("closed")
	ErrOther           = errors.New("internal error")
)

func IsInvalidArgument(err error) bool { return errors.Is(err, ErrInvalidArgument) }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }

func IsIO(err error) bool { return errors.Is(err, ErrIO) }

func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }

func IsClosed(err error) bool { return errors.Is(err, ErrClosed) }
