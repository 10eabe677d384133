/*******************************************************************************
*
* Copyright 2024 The Weft Authors
*
* Licensed under the Apache License, Version 2.0 (the "License");
* you may not use this file except in compliance with the License.
* You should have received a copy of the License along with this
* program. If not, you may obtain a copy of the License at
*
*     http://www.apache.org/licenses/LICENSE-2.0
*
* Unless required by applicable law or agreed to in writing, software
* distributed under the License is distributed on an "AS IS" BASIS,
* WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
* See the License for the specific language governing permissions and
* limitations under the License.
*
*******************************************************************************/

package core

// Identity is the unresolved identity triple presented by an incoming
// request, before the metadata resolver maps it to a client.
type Identity struct {
	// ClaimedName is the client-supplied name (HTTP basic auth user).
	ClaimedName string
	// PeerAddress is the remote IP address, without port.
	PeerAddress string
	// CertCN is the CommonName of the verified TLS client certificate, or ""
	// if the peer did not present one.
	CertCN string
	// Password is the client-supplied password (HTTP basic auth).
	Password string
}
