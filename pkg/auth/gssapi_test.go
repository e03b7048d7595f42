// Copyright 2023 The goshawk Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGssapi_Unavailable(t *testing.T) {
	// given
	m := NewGssapi()

	// then
	require.Equal(t, "GSSAPI", m.Name())
	require.False(t, m.UsesPassword())
	require.False(t, m.Available())

	_, err := m.Initiate("ortuman", "")
	require.ErrorIs(t, err, errGssapiUnavailable)

	_, err = m.Respond(nil)
	require.ErrorIs(t, err, errGssapiUnavailable)

	require.ErrorIs(t, m.ValidateSuccess(nil), errGssapiUnavailable)
}
