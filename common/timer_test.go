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

package common

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntervalTimerOneShot(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance("testing", ctxt, &wg)
	assert.Nil(err)

	var value int32
	callback := func() error {
		atomic.AddInt32(&value, 1)
		return nil
	}

	assert.NotNil(uut.Start(0, callback, true))

	assert.Nil(uut.Start(time.Millisecond*100, callback, true))
	time.Sleep(time.Millisecond * 150)
	assert.Equal(int32(1), atomic.LoadInt32(&value))

	time.Sleep(time.Millisecond * 100)
	assert.Equal(int32(1), atomic.LoadInt32(&value))

	assert.Nil(uut.Start(time.Millisecond*50, callback, true))
	time.Sleep(time.Millisecond * 80)
	assert.Equal(int32(2), atomic.LoadInt32(&value))
}

func TestIntervalTimerStopOnError(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance("testing", ctxt, &wg)
	assert.Nil(err)

	var value int32
	callback := func() error {
		if atomic.AddInt32(&value, 1) >= 3 {
			return fmt.Errorf("dummy error")
		}
		return nil
	}

	assert.Nil(uut.Start(time.Millisecond*20, callback, false))
	time.Sleep(time.Millisecond * 200)
	assert.Equal(int32(3), atomic.LoadInt32(&value))
	assert.Nil(uut.Stop())
	assert.Nil(uut.Stop())
}
