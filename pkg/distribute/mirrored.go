// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distribute

import (
	"slices"
	"sort"

	"github.com/gomlx/distribute/pkg/support/sets"
	"github.com/gomlx/distribute/pkg/support/xslices"
	"github.com/gomlx/distribute/pkg/support/xsync"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Reducer combines one value per replica into a single value, for Sum and Mean
// reductions. The caller supplies it when building a mirrored strategy; this package
// does not know the arithmetic of the values flowing through it.
type Reducer interface {
	Reduce(op ReduceOp, values []any) (any, error)
}

// mirroredImpl is the in-process synchronous strategy: one replica per device, each on
// its own goroutine, variables mirrored to every device, reductions through an
// injected Reducer.
type mirroredImpl struct {
	devices []string
	reducer Reducer
}

// NewMirroredStrategy builds a synchronous strategy running one replica per device,
// each replica on its own goroutine. The reducer implements Sum and Mean reductions and
// may be nil if only OnlyFirstReplica reductions are used.
func NewMirroredStrategy(devices []string, reducer Reducer) (*Strategy, error) {
	if len(devices) == 0 {
		return nil, errors.New("NewMirroredStrategy requires at least one device")
	}
	seen := sets.Make[string](len(devices))
	for _, device := range devices {
		if seen.Has(device) {
			return nil, errors.Errorf("NewMirroredStrategy got duplicated device %q", device)
		}
		seen.Insert(device)
	}
	return New(&mirroredImpl{devices: slices.Clone(devices), reducer: reducer}), nil
}

func (m *mirroredImpl) Name() string { return "Mirrored" }

func (m *mirroredImpl) NumReplicasInSync() int { return len(m.devices) }

func (m *mirroredImpl) WorkerDevices() ([]string, error) {
	return slices.Clone(m.devices), nil
}

func (m *mirroredImpl) ParameterDevices() ([]string, error) {
	return slices.Clone(m.devices), nil
}

// NonSlotDevices ignores the variables: non-slot state is mirrored to every device,
// like any other variable.
func (m *mirroredImpl) NonSlotDevices([]Variable) ([]string, error) {
	return slices.Clone(m.devices), nil
}

func (m *mirroredImpl) DefaultDevice() string { return "" }

func (m *mirroredImpl) CreateVariable(_ *ExecContext, next CreatorFn, spec *VariableSpec) (Variable, error) {
	return next(spec)
}

func (m *mirroredImpl) ReadVariable(_ *ExecContext, v Variable) (any, error) {
	return readVariableValue(v)
}

// mergeBatch coordinates the merge calls of the replicas of one CallForEachReplica.
// Each running replica sends exactly one batchEvent per round: a merge request, or a
// finish notification when its function returns. The coordinator goroutine (the
// CallForEachReplica caller) collects one event per running replica, runs the merge
// once, and answers every request through its reply latch.
type mergeBatch struct {
	d      *Strategy
	n      int
	events chan batchEvent
}

// batchEvent is one replica's contribution to a rendezvous round. A nil request means
// the replica's function returned.
type batchEvent struct {
	replica int
	request *mergeRequest
}

type mergeRequest struct {
	mergeFn MergeFn
	args    []any
	reply   *xsync.LatchWithValue[mergeReply]
}

type mergeReply struct {
	value any
	err   error
}

func (m *mirroredImpl) CallForEachReplica(d *Strategy, ec *ExecContext, fn ReplicaFn, args []any) (any, error) {
	n := len(m.devices)
	batch := &mergeBatch{d: d, n: n, events: make(chan batchEvent, n)}
	results := make([]any, n)
	errs := make([]error, n)

	var group errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		group.Go(func() error {
			// The finish event is this replica's last word, even on failure;
			// without it the coordinator would wait forever.
			defer func() { batch.events <- batchEvent{replica: i} }()
			replicaArgs := make([]any, len(args))
			for j, a := range args {
				var err error
				if replicaArgs[j], err = m.replicaArg(a, i); err != nil {
					errs[i] = err
					return nil
				}
			}
			rec := ec.cloneForReplica()
			rec.push(threadMode{kind: crossReplicaMode, strategy: d})
			rec.pushDevice(m.devices[i])
			rc := newReplicaContext(d, rec, i, []string{m.devices[i]})
			rc.batch = batch
			results[i], errs[i] = runReplica(rc, fn, replicaArgs)
			return nil
		})
	}

	m.coordinate(d, ec, batch)
	_ = group.Wait()

	var failed []int
	var firstErr error
	for i, err := range errs {
		if err != nil {
			failed = append(failed, i)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return nil, errors.WithMessagef(firstErr, "replicas %v of %s failed", failed, d)
	}
	return mergeReplicaValues(d.ValueContainer, results), nil
}

// coordinate runs the rendezvous rounds on the caller's goroutine, which is already in
// d's cross-replica context, until every replica has finished.
func (m *mirroredImpl) coordinate(d *Strategy, ec *ExecContext, batch *mergeBatch) {
	running := batch.n
	for running > 0 {
		var requests []batchEvent
		finished := 0
		for k := 0; k < running; k++ {
			ev := <-batch.events
			if ev.request == nil {
				finished++
			} else {
				requests = append(requests, ev)
			}
		}
		running -= finished
		if len(requests) == 0 {
			continue
		}
		if len(requests) != batch.n {
			// Some replicas returned (or had already returned) while others are
			// waiting in MergeCall: the replicas diverged.
			err := errorf(ErrMergeMismatch,
				"merge call reached by %d of %d replicas of %s, all replicas must "+
					"make the same MergeCall invocations in the same order",
				len(requests), batch.n, d)
			for _, ev := range requests {
				ev.request.reply.Trigger(mergeReply{err: err})
			}
			continue
		}
		m.runMerge(d, ec, requests)
	}
}

// runMerge answers one full round of merge requests: it merges the per-replica
// arguments, runs replica 0's merge function once in the coordinator's cross-replica
// context, and replies the result to every replica.
func (m *mirroredImpl) runMerge(d *Strategy, ec *ExecContext, requests []batchEvent) {
	sort.Slice(requests, func(i, j int) bool { return requests[i].replica < requests[j].replica })
	numArgs := len(requests[0].request.args)
	for _, ev := range requests[1:] {
		if len(ev.request.args) != numArgs {
			err := errorf(ErrMergeMismatch,
				"replicas of %s passed differing numbers of arguments to MergeCall "+
					"(%d vs %d)", d, numArgs, len(ev.request.args))
			for _, r := range requests {
				r.request.reply.Trigger(mergeReply{err: err})
			}
			return
		}
	}
	mergedArgs := make([]any, numArgs)
	for j := 0; j < numArgs; j++ {
		column := xslices.Map(requests, func(ev batchEvent) any { return ev.request.args[j] })
		mergedArgs[j] = mergeReplicaValues(d.ValueContainer, column)
	}

	var value any
	var err error
	caught := exceptions.Try(func() {
		value, err = requests[0].request.mergeFn(d, ec, mergedArgs...)
	})
	if caught != nil {
		err = errors.Errorf("merge call of %s panicked: %v", d, caught)
	}
	reply := mergeReply{value: value, err: err}
	for _, ev := range requests {
		ev.request.reply.Trigger(reply)
	}
}

// MergeCall suspends the calling replica until every peer reaches its own MergeCall,
// then hands the request to the coordinator and waits for its reply.
func (m *mirroredImpl) MergeCall(rc *ReplicaContext, mergeFn MergeFn, args []any) (any, error) {
	if rc.batch == nil {
		return sequentialMergeCall(rc, mergeFn, args)
	}
	request := &mergeRequest{
		mergeFn: mergeFn,
		args:    args,
		reply:   xsync.NewLatchWithValue[mergeReply](),
	}
	rc.batch.events <- batchEvent{replica: rc.replicaID, request: request}
	reply := request.reply.Wait()
	if reply.err != nil {
		return nil, reply.err
	}
	return replicaSlice(reply.value, rc.replicaID)
}

// replicaArg extracts replica i's slice of one CallForEachReplica argument: PerReplica
// leaves unwrap to the replica's component, Mirrored leaves to the device's copy.
func (m *mirroredImpl) replicaArg(a any, i int) (any, error) {
	return mapNested(a, func(leaf any) (any, error) {
		switch v := leaf.(type) {
		case *PerReplica:
			return v.ComponentFor(i)
		case *Mirrored:
			if components := v.Components(); i < len(components) {
				return components[i], nil
			}
			return v.Primary(), nil
		default:
			return leaf, nil
		}
	})
}

func (m *mirroredImpl) Broadcast(_ *ExecContext, value any, destinations any) (any, error) {
	devices, err := m.destinationDevices(destinations)
	if err != nil {
		return nil, err
	}
	return NewMirrored(devices, xslices.SliceWithValue(value, len(devices)))
}

func (m *mirroredImpl) Reduce(_ *ExecContext, op ReduceOp, value any, destinations any) (any, error) {
	if mv, ok := value.(*Mirrored); ok {
		// Already identical everywhere, nothing to combine.
		return mv, nil
	}
	devices, err := m.destinationDevices(destinations)
	if err != nil {
		return nil, err
	}
	var components []any
	if pr, ok := value.(*PerReplica); ok {
		if pr.NumReplicas() != len(m.devices) {
			return nil, errors.Errorf("reducing a PerReplica value with %d components on %d replicas",
				pr.NumReplicas(), len(m.devices))
		}
		components = pr.Components()
	} else {
		components = xslices.SliceWithValue(value, len(m.devices))
	}
	var reduced any
	if op == OnlyFirstReplica {
		reduced = components[0]
	} else {
		if m.reducer == nil {
			return nil, errorf(ErrUnimplemented,
				"%v reduction requires a Reducer, none was given to NewMirroredStrategy", op)
		}
		if reduced, err = m.reducer.Reduce(op, components); err != nil {
			return nil, errors.WithMessagef(err, "%v reduction", op)
		}
	}
	return NewMirrored(devices, xslices.SliceWithValue(reduced, len(devices)))
}

// destinationDevices resolves a Reduce or Broadcast destinations argument to a device
// list: nil (all of the strategy's devices), a device string, a []string, a Variable or
// a *Mirrored value.
func (m *mirroredImpl) destinationDevices(destinations any) ([]string, error) {
	switch dest := destinations.(type) {
	case nil:
		return slices.Clone(m.devices), nil
	case string:
		return []string{dest}, nil
	case []string:
		if len(dest) == 0 {
			return nil, errors.New("empty device list given as destinations")
		}
		return slices.Clone(dest), nil
	case Variable:
		devices := dest.Devices()
		if len(devices) == 0 {
			return nil, errors.Errorf("variable %q given as destinations has no devices", dest.Name())
		}
		return devices, nil
	case *Mirrored:
		return dest.Devices(), nil
	default:
		return nil, errors.Errorf("cannot resolve destinations from %T, "+
			"want nil, a device, a device list, a Variable or a *Mirrored value", destinations)
	}
}

func (m *mirroredImpl) Update(ec *ExecContext, v Variable, fn UpdateFn, args []any, grouped bool) (any, error) {
	devices := v.Devices()
	if len(devices) == 0 {
		return nil, errors.Errorf("cannot update variable %q, it has no devices", v.Name())
	}
	pdv, _ := v.(PerDeviceVariable)
	results := make([]any, len(devices))
	for i, device := range devices {
		component := v
		if pdv != nil {
			var err error
			if component, err = pdv.ComponentFor(device); err != nil {
				return nil, errors.WithMessagef(err, "updating variable %q on %q", v.Name(), device)
			}
		}
		deviceArgs, err := m.deviceArgs(args, i)
		if err != nil {
			return nil, err
		}
		uc := EnterUpdateContext(ec, device)
		results[i], err = fn(ec, component, deviceArgs...)
		uc.Exit()
		if err != nil {
			return nil, errors.WithMessagef(err, "updating variable %q on %q", v.Name(), device)
		}
	}
	return m.updateResult(devices, results, grouped)
}

func (m *mirroredImpl) UpdateNonSlot(ec *ExecContext, devices []string, fn UpdateNonSlotFn, args []any, grouped bool) (any, error) {
	results := make([]any, len(devices))
	for i, device := range devices {
		deviceArgs, err := m.deviceArgs(args, i)
		if err != nil {
			return nil, err
		}
		uc := EnterUpdateContext(ec, device)
		results[i], err = fn(ec, deviceArgs...)
		uc.Exit()
		if err != nil {
			return nil, errors.WithMessagef(err, "non-slot update on %q", device)
		}
	}
	return m.updateResult(devices, results, grouped)
}

// deviceArgs unwraps Mirrored leaves of the update arguments to device index i's copy.
func (m *mirroredImpl) deviceArgs(args []any, i int) ([]any, error) {
	deviceArgs := make([]any, len(args))
	for j, a := range args {
		var err error
		deviceArgs[j], err = mapNested(a, func(leaf any) (any, error) {
			if mv, ok := leaf.(*Mirrored); ok {
				if components := mv.Components(); i < len(components) {
					return components[i], nil
				}
				return mv.Primary(), nil
			}
			return leaf, nil
		})
		if err != nil {
			return nil, err
		}
	}
	return deviceArgs, nil
}

// updateResult combines the per-device results of an update: grouped updates collapse
// identical results to one value and wrap differing ones as Mirrored; ungrouped updates
// return the raw per-device list.
func (m *mirroredImpl) updateResult(devices []string, results []any, grouped bool) (any, error) {
	if !grouped {
		return results, nil
	}
	identical := true
	for _, r := range results[1:] {
		if !sameObject(results[0], r) {
			identical = false
			break
		}
	}
	if identical {
		return results[0], nil
	}
	return NewMirrored(devices, results)
}

func (m *mirroredImpl) Unwrap(value any) []any {
	return componentsOf(value)
}

func (m *mirroredImpl) ValueContainer(value any) any {
	return valueContainerOf(value)
}

// MakeInputIterator builds a single per-worker pipeline feeding all replicas: this
// strategy is in-process, so there is exactly one worker.
func (m *mirroredImpl) MakeInputIterator(_ *ExecContext, inputFn InputFn) (Dataset, error) {
	ic, err := NewInputContext(1, 0, len(m.devices))
	if err != nil {
		return nil, err
	}
	value, err := inputFn(ic)
	if err != nil {
		return nil, err
	}
	return validateDataset(value, "input function")
}

func (m *mirroredImpl) DistributeDataset(_ *ExecContext, datasetFn DatasetFn) (Dataset, error) {
	value, err := datasetFn()
	if err != nil {
		return nil, err
	}
	return validateDataset(value, "dataset function")
}

func (m *mirroredImpl) Initialize() error {
	klog.V(2).Infof("mirrored strategy initialized over devices %v", m.devices)
	return nil
}

func (m *mirroredImpl) Finalize() error {
	klog.V(2).Infof("mirrored strategy finalized")
	return nil
}
