/*
Copyright 2025 Supabase, Inc.

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

package secrets

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("test-encryption-key")
	require.NoError(t, err)

	sealed, err := c.Encrypt("postgres://tenant:secret@db/tenant")
	require.NoError(t, err)
	require.NotContains(t, sealed, "secret")

	opened, err := c.Decrypt(sealed)
	require.NoError(t, err)
	require.Equal(t, "postgres://tenant:secret@db/tenant", opened)
}

func TestCipherWrongKey(t *testing.T) {
	c1, err := NewCipher("key-one")
	require.NoError(t, err)
	c2, err := NewCipher("key-two")
	require.NoError(t, err)

	sealed, err := c1.Encrypt("value")
	require.NoError(t, err)

	_, err = c2.Decrypt(sealed)
	require.Error(t, err)
}

func TestCipherMalformed(t *testing.T) {
	c, err := NewCipher("key")
	require.NoError(t, err)

	_, err = c.Decrypt("not base64!!")
	require.Error(t, err)

	_, err = c.Decrypt("c2hvcnQ=")
	require.Error(t, err)
}

func TestCipherEmptyKey(t *testing.T) {
	_, err := NewCipher("")
	require.Error(t, err)
}
