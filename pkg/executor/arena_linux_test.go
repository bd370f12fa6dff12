/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package executor

import (
	"time"

	"golang.org/x/sys/unix"
)

func cpuTime() time.Duration {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
}

func (s *ExecutorTestSuite) TestSurplusWorkersWaitWithoutSpinning() {
	exec, err := New(Config{Workers: 4, Registerer: s.reg})
	s.Require().NoError(err)
	src := newChanSource(1)
	arena, err := RegisterContexts[echoReq, echoResp](exec, "echo", src, &echoResources{},
		HandlerFunc[echoReq, echoResp, *echoResources](echo), 1)
	s.Require().NoError(err)
	stop := s.start(exec)
	defer stop()

	// One worker holds the only context while blocked in Next; three wait for it.
	s.Require().Eventually(func() bool { return arena.Idle() == 0 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	before := cpuTime()
	time.Sleep(500 * time.Millisecond)
	burned := cpuTime() - before
	s.Less(burned, 150*time.Millisecond, "idle executor used %v of CPU in 500ms", burned)

	resp := <-src.push(9)
	s.NoError(resp.err)
	s.Equal(uint64(9), resp.resp.ID)
}
