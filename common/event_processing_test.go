// Copyright 2022 The carsensor Authors
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
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 4)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// Case 0: invalid buffer
	{
		_, err := GetNewTaskProcessorInstance(ctxt, "testing", -1)
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

func TestTaskProcessorEventLoop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 16)
	assert.Nil(err)

	type orderedTask struct {
		index int
	}

	results := make(chan int, 64)
	running := 0
	overlapped := false
	runLock := sync.Mutex{}
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(orderedTask{}), func(p interface{}) error {
			runLock.Lock()
			running++
			if running > 1 {
				overlapped = true
			}
			runLock.Unlock()
			time.Sleep(time.Microsecond * 100)
			runLock.Lock()
			running--
			runLock.Unlock()
			results <- p.(orderedTask).index
			return nil
		},
	))

	assert.Nil(uut.StartEventLoop(&wg))

	// Case 0: starting twice is rejected
	assert.NotNil(uut.StartEventLoop(&wg))

	// Case 1: tasks from one producer execute in order
	{
		for itr := 0; itr < 20; itr++ {
			useContext, cancel := context.WithTimeout(context.Background(), time.Second)
			assert.Nil(uut.Submit(useContext, orderedTask{index: itr}))
			cancel()
		}
		for itr := 0; itr < 20; itr++ {
			select {
			case idx := <-results:
				assert.Equal(itr, idx)
			case <-time.After(time.Second):
				assert.Failf("timeout", "task %d not processed", itr)
			}
		}
	}

	// Case 2: concurrent producers never cause concurrent execution
	{
		producers := sync.WaitGroup{}
		for p := 0; p < 4; p++ {
			producers.Add(1)
			go func(base int) {
				defer producers.Done()
				for itr := 0; itr < 5; itr++ {
					useContext, cancel := context.WithTimeout(context.Background(), time.Second)
					assert.Nil(uut.Submit(useContext, orderedTask{index: base + itr}))
					cancel()
				}
			}(p * 100)
		}
		producers.Wait()
		for itr := 0; itr < 20; itr++ {
			select {
			case <-results:
			case <-time.After(time.Second):
				assert.Failf("timeout", "task %d not processed", itr)
			}
		}
		runLock.Lock()
		assert.False(overlapped)
		runLock.Unlock()
	}

	// Case 3: submit after stop fails
	{
		assert.Nil(uut.StopEventLoop())
		useContext, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
		defer cancel()
		assert.NotNil(uut.Submit(useContext, orderedTask{index: 99}))
	}
}
