// Package scheduler implements the video frame-detection scheduler.
//
// An external timer calls DetectFrame once per tick. Each call is one
// detection cycle:
//
//  1. Pull the current frame from the FrameSource (nil = dropped frame)
//  2. Run the attached model through the inference Adapter
//  3. Record the measured latency
//  4. Warm-up cycle: keep results for the overlay, publish nothing
//  5. Steady cycle: publish "Det. Time", "Det. Objects", "Dropped Frames"
//     (and "Det. FPS") to the stats Sink, keep results for the overlay,
//     notify CycleObservers
//
// After each cycle the timer waits RepeatInterval(true) before the next tick:
// the frame period minus the last latency, never less than 20ms. The interval
// is the back-pressure; DetectFrame must not be called again before the
// previous call returned.
//
// State machine:
//
//	Idle ──AttachModel(m)/StartPlayback──▶ WarmingUp ──first cycle──▶ Steady
//	  ▲                                                                 │
//	  └──────────────── Disappearing / AttachModel(nil) ◀───────────────┘
//
// Teardown (Disappearing) bumps an epoch token: a cycle that started in an
// older epoch discards its results when it completes, so it can neither
// resurrect cleared stats nor complete a warm-up that no longer applies.
// The stats Sink is cleared ClearDelay after teardown unless a new attach,
// playback start, or cycle supersedes the pending clear.
//
// Example:
//
//	sched := scheduler.New(scheduler.Config{
//	    Source: src,
//	    Sink:   sink,
//	})
//	sched.AttachModel(model)
//	sched.StartPlayback(src.VideoInfo())
//
//	for ctx.Err() == nil {
//	    sched.DetectFrame(ctx, nil)
//	    time.Sleep(sched.RepeatInterval(true))
//	}
//	sched.Disappearing()
package scheduler
