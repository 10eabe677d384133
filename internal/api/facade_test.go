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

package api

import (
	"reflect"
	"testing"

	"github.com/weft-project/weft/internal/core"
	"github.com/weft-project/weft/internal/repo"
)

type recordingProducer struct {
	received []string
}

func (p *recordingProducer) GetProbes(md *core.ClientMetadata) ([]core.Probe, error) {
	return nil, nil
}

func (p *recordingProducer) ReceiveData(client string, response *repo.Element) error {
	p.received = append(p.received, response.Get("name"))
	return nil
}

func TestProbeDataRoutedToIssuingProducer(t *testing.T) {
	first := &recordingProducer{}
	second := &recordingProducer{}
	caps := core.Capabilities{
		Probes:     []core.ProbeProducer{first, second},
		ProbeNames: []string{"Probes", "Inventory"},
	}

	responses := []*repo.Element{
		repo.NewElement("probe-data", "name", "osinfo", "source", "Probes"),
		repo.NewElement("probe-data", "name", "hwinfo", "source", "Inventory"),
		// a response without a source attribute goes to every producer
		repo.NewElement("probe-data", "name", "legacy"),
	}
	err := ingestProbeData(caps, "web1.example.com", responses)
	if err != nil {
		t.Fatalf("unexpected error: %s", err.Error())
	}

	if expected := []string{"osinfo", "legacy"}; !reflect.DeepEqual(first.received, expected) {
		t.Errorf("first producer received %v, expected %v", first.received, expected)
	}
	if expected := []string{"hwinfo", "legacy"}; !reflect.DeepEqual(second.received, expected) {
		t.Errorf("second producer received %v, expected %v", second.received, expected)
	}
}
