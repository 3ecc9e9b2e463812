// Copyright 2022 The zonerelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := NewRegistry()
	now := time.Now()

	subA := &Subscriber{ID: 1, ZoneID: "BARCELONA", ConnectedAt: now, Transport: newMockTransport("a")}
	subB := &Subscriber{ID: 2, ZoneID: "BARCELONA", ConnectedAt: now, Transport: newMockTransport("b")}
	subC := &Subscriber{ID: 3, ZoneID: "LONDON", ConnectedAt: now, Transport: newMockTransport("c")}

	// Case 0: empty registry
	{
		assert.Equal(0, uut.Len())
		assert.Empty(uut.FindByZone("BARCELONA"))
		assert.Empty(uut.CountByZone())
		_, ok := uut.Get(1)
		assert.False(ok)
	}

	// Case 1: add subscribers
	{
		assert.Nil(uut.Add(subA))
		assert.Nil(uut.Add(subB))
		assert.Nil(uut.Add(subC))
		assert.Equal(3, uut.Len())
		assert.Equal(map[string]int{"BARCELONA": 2, "LONDON": 1}, uut.CountByZone())
		members := uut.FindByZone("BARCELONA")
		assert.Len(members, 2)
		assert.Equal(uint64(1), members[0].ID)
		assert.Equal(uint64(2), members[1].ID)
		assert.Equal(2, uut.ZoneLen("BARCELONA"))
		assert.Len(uut.All(), 3)
		sub, ok := uut.Get(2)
		assert.True(ok)
		assert.Equal(subB, sub)
	}

	// Case 2: duplicate ID
	{
		dup := &Subscriber{ID: 1, ZoneID: "LONDON", Transport: newMockTransport("dup")}
		assert.NotNil(uut.Add(dup))
		assert.Equal(1, uut.ZoneLen("LONDON"))
	}

	// Case 3: the zone view is a copy
	{
		members := uut.FindByZone("BARCELONA")
		members[0] = subC
		assert.Equal(uint64(1), uut.FindByZone("BARCELONA")[0].ID)
	}

	// Case 4: remove
	{
		removed, ok := uut.Remove(1)
		assert.True(ok)
		assert.Equal(subA, removed)
		_, ok = uut.Get(1)
		assert.False(ok)
		assert.Equal(2, uut.Len())
		members := uut.FindByZone("BARCELONA")
		assert.Len(members, 1)
		assert.Equal(uint64(2), members[0].ID)
	}

	// Case 5: remove is idempotent
	{
		_, ok := uut.Remove(1)
		assert.False(ok)
		assert.Equal(2, uut.Len())
	}

	// Case 6: removing the last member drops the zone
	{
		_, ok := uut.Remove(3)
		assert.True(ok)
		assert.Equal(map[string]int{"BARCELONA": 1}, uut.CountByZone())
		assert.Equal(0, uut.ZoneLen("LONDON"))
	}
}
