// SPDX-License-Identifier: Apache-2.0

package domain

import "errors"

var ErrTeamNotFound = errors.New("team not found")
var ErrPersonNotFound = errors.New("person not found")
var ErrConcurrentPersonUpdate = errors.New("concurrent person update")
var ErrEventNotFound = errors.New("event not found")
