// Package rtsched runs the real-time message loop of a bus-style transport.
//
// One [Scheduler] owns one loop. Each iteration runs the oldest queued event
// burst to completion if there is one; otherwise it sends every enabled
// periodic job that is due, then sleeps a short quantum. Bursts therefore
// strictly preempt keep-alive traffic, and a burst's sends are never
// interleaved with periodic sends.
//
//	s, _ := rtsched.New(ctx, bus.Write)
//	defer s.Close()
//	_ = s.UpsertPeriodic("heartbeat", []byte{0x01}, 100*time.Millisecond, true)
//	f, _ := s.EnqueueEventBurst("door", open, closed, 50*time.Millisecond, 3, 2)
//	err := f.Wait(ctx)
package rtsched
