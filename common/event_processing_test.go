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
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("testing", 4, ctxt)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// Case 0: invalid buffer size
	{
		_, err := GetNewTaskProcessorInstance("testing", 0, ctxt)
		assert.NotNil(err)
	}

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			return nil
		},
	}

	// Case 2: define a executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct3{}))
	}

	executorMap = map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error { return nil },
		reflect.TypeOf(testStruct3{}): func(p interface{}) error { return fmt.Errorf("Dummy error") },
	}

	// Case 3: change executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}

	// Case 4: append to existing map
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(&testStruct2{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.Nil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}
}

func TestTaskEventLoopOrdering(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("testing", 2, ctxt)
	assert.Nil(err)

	type testTask struct {
		seq int
	}

	processed := []int{}
	testWG := sync.WaitGroup{}
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(testTask{}), func(p interface{}) error {
			processed = append(processed, p.(testTask).seq)
			testWG.Done()
			return nil
		},
	))

	assert.Nil(uut.StartEventLoop(&wg))

	// Case 1: tasks are executed in submission order
	{
		testWG.Add(20)
		for itr := 0; itr < 20; itr++ {
			useContext, cancel := context.WithTimeout(ctxt, time.Second)
			assert.Nil(uut.Submit(useContext, testTask{seq: itr}))
			cancel()
		}
		testWG.Wait()
		expected := []int{}
		for itr := 0; itr < 20; itr++ {
			expected = append(expected, itr)
		}
		assert.Equal(expected, processed)
	}

	// Case 2: submit after stop fails even with room in the queue
	{
		assert.Nil(uut.SetTaskExecutionMap(map[reflect.Type]TaskHandler{
			reflect.TypeOf(testTask{}): func(p interface{}) error { return nil },
		}))
		assert.Nil(uut.StopEventLoop())
		useContext, cancel := context.WithTimeout(ctxt, time.Millisecond*100)
		defer cancel()
		for itr := 0; itr < 100; itr++ {
			assert.NotNil(uut.Submit(useContext, testTask{seq: itr}))
		}
	}
}
