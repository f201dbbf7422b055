// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import "errors"

// Sentinel errors for the deployment store.
var (
	// ErrNotFound indicates no record exists for the requested name.
	ErrNotFound = errors.New("deployment not found")

	// ErrConflict indicates a create collided with an existing name.
	ErrConflict = errors.New("deployment name already exists")

	// ErrClosed indicates an operation on a closed store.
	ErrClosed = errors.New("store is closed")
)
