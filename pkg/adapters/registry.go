/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package adapters

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/microsoft/dcpdbg/pkg/events"
	"github.com/microsoft/dcpdbg/pkg/resiliency"
)

type RegistryOptions struct {
	// Used for dynamic factory discovery. If nil, dynamic loading is disabled regardless of the configuration.
	Loader Loader

	// Builds dependencies for new adapters. If nil, adapters get a logger and OS file system and environment only.
	Dependencies DependencyBuilder

	Metrics MetricsCollector
}

type registration struct {
	factory        Factory
	registeredAt   time.Time
	lastValidation *ValidationResult
}

// A live adapter instance, tracked for capacity accounting and auto-disposal.
type instance struct {
	id       uint64
	language string
	adapter  Adapter

	// Protected by the registry lock.
	removed       bool
	autoDisposing bool
	timer         *time.Timer
	timerGen      uint64
	stateSub      events.Unsubscribe
	disposeSub    events.Unsubscribe
}

// Registry manages adapter factories (one per language) and the adapters created by them.
type Registry struct {
	config  RegistryConfig
	loader  Loader
	deps    DependencyBuilder
	metrics MetricsCollector
	log     logr.Logger

	lock         *sync.Mutex
	factories    map[string]*registration
	instances    map[string]map[uint64]*instance
	reservations map[string]int // Create() calls in progress, per language
	nextID       uint64

	// Bumped by DisposeAll() and Unregister(). Create() calls that started before a teardown
	// must not add their adapters to the registry.
	disposeGen    uint64
	unregisterGen map[string]uint64

	events *events.Emitter[RegistryEvent]
}

func NewRegistry(config RegistryConfig, opts RegistryOptions, log logr.Logger) *Registry {
	log = log.WithName("adapter-registry")

	deps := opts.Dependencies
	if deps == nil {
		deps = NewDependencyBuilder(nil, nil, nil, nil, log)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &Registry{
		config:       config.normalized(),
		loader:       opts.Loader,
		deps:         deps,
		metrics:      metrics,
		log:          log,
		lock:         &sync.Mutex{},
		factories:    make(map[string]*registration),
		instances:    make(map[string]map[uint64]*instance),
		reservations:  make(map[string]int),
		unregisterGen: make(map[string]uint64),
		events:        events.NewEmitter[RegistryEvent](),
	}
}

func (r *Registry) Config() RegistryConfig {
	return r.config
}

// Subscribes to registry events. Handlers are invoked synchronously, outside of registry locks.
func (r *Registry) Subscribe(handler func(RegistryEvent)) events.Unsubscribe {
	return r.events.On(handler)
}

// Registers an adapter factory for a language.
func (r *Registry) Register(ctx context.Context, language string, factory Factory) error {
	if language == "" {
		return fmt.Errorf("language must not be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory for language %s must not be nil", language)
	}

	if r.isDuplicate(language) {
		return &DuplicateRegistrationError{Language: language}
	}

	var lastValidation *ValidationResult
	if r.config.ValidateOnRegister {
		result, validationErr := factory.Validate(ctx)
		if validationErr != nil {
			r.log.Info("Adapter factory could not be validated", "Language", language, "Error", validationErr.Error())
			return &FactoryValidationError{
				Language:         language,
				ValidationResult: ValidationResult{Valid: false, Errors: []string{validationErr.Error()}},
				Cause:            validationErr,
			}
		}
		if !result.Valid {
			r.log.Info("Adapter factory validation failed", "Language", language, "Errors", result.Errors)
			return &FactoryValidationError{Language: language, ValidationResult: result}
		}
		if len(result.Warnings) > 0 {
			r.log.Info("Adapter factory validation reported warnings", "Language", language, "Warnings", result.Warnings)
		}
		lastValidation = &result
	}

	r.lock.Lock()
	// Validation may take a while, someone else might have registered the language in the meantime.
	if _, exists := r.factories[language]; exists && !r.config.AllowOverride {
		r.lock.Unlock()
		return &DuplicateRegistrationError{Language: language}
	}
	r.factories[language] = &registration{
		factory:        factory,
		registeredAt:   time.Now(),
		lastValidation: lastValidation,
	}
	r.lock.Unlock()

	metadata := factory.Metadata()
	r.log.V(1).Info("Adapter factory registered", "Language", language, "Version", metadata.Version)
	r.metrics.FactoryRegistered(language)
	r.events.Emit(RegistryEvent{Kind: FactoryRegistered, Language: language, Metadata: &metadata})
	return nil
}

// Removes the factory for the language and disposes all live adapters for it.
// Returns false if no factory is registered for the language.
// Adapter disposal failures are reported via RegistryError events.
func (r *Registry) Unregister(language string) bool {
	r.lock.Lock()
	if _, found := r.factories[language]; !found {
		r.lock.Unlock()
		return false
	}

	toDispose := r.detachLanguageLocked(language)
	delete(r.factories, language)
	r.unregisterGen[language]++
	r.lock.Unlock()

	r.disposeConcurrently(context.Background(), toDispose, DisposeReasonUnregister)

	r.log.V(1).Info("Adapter factory unregistered", "Language", language, "DisposedAdapters", len(toDispose))
	r.metrics.FactoryUnregistered(language)
	r.metrics.ActiveAdapters(language, 0)
	r.events.Emit(RegistryEvent{Kind: FactoryUnregistered, Language: language})
	return true
}

// Creates and initializes a new adapter for the language.
func (r *Registry) Create(ctx context.Context, language string, config Config) (Adapter, error) {
	adapter, err := r.create(ctx, language, config)
	if err != nil {
		r.metrics.AdapterCreateFailed(language, err)
		return nil, err
	}
	return adapter, nil
}

func (r *Registry) create(ctx context.Context, language string, config Config) (Adapter, error) {
	factory, resolveErr := r.resolveFactory(ctx, language)
	if resolveErr != nil {
		return nil, resolveErr
	}

	// Capacity is reserved up front, so that concurrent Create() calls cannot exceed the limit
	// while they are busy creating and initializing adapters.
	r.lock.Lock()
	if len(r.instances[language])+r.reservations[language] >= r.config.MaxInstancesPerLanguage {
		r.lock.Unlock()
		return nil, &CapacityError{Language: language, MaxInstances: r.config.MaxInstancesPerLanguage}
	}
	r.reservations[language]++
	disposeGen := r.disposeGen
	unregisterGen := r.unregisterGen[language]
	r.lock.Unlock()

	reserved := true
	defer func() {
		if reserved {
			r.releaseReservation(language, disposeGen)
		}
	}()

	deps, depsErr := r.deps(ctx, language, config)
	if depsErr != nil {
		return nil, fmt.Errorf("could not create dependencies for %s adapter: %w", language, depsErr)
	}

	var adapter Adapter
	createErr := resiliency.CallSafely(r.log, func() error {
		var err error
		adapter, err = factory.CreateAdapter(deps)
		return err
	})
	if createErr != nil {
		return nil, fmt.Errorf("could not create %s adapter: %w", language, createErr)
	}
	if adapter == nil {
		return nil, fmt.Errorf("could not create %s adapter: the factory returned no adapter", language)
	}

	if initErr := adapter.Initialize(ctx); initErr != nil {
		if disposeErr := r.safeDispose(context.Background(), adapter); disposeErr != nil {
			r.reportError(language, fmt.Errorf("failed to dispose %s adapter after initialization failure: %w", language, disposeErr))
		}
		r.metrics.AdapterDisposed(language, DisposeReasonInitFailed)
		return nil, fmt.Errorf("could not initialize %s adapter: %w", language, initErr)
	}

	r.lock.Lock()
	if r.disposeGen != disposeGen || r.unregisterGen[language] != unregisterGen || r.factories[language] == nil {
		registryDisposed := r.disposeGen != disposeGen
		r.lock.Unlock()
		r.discardTornDown(language, adapter, registryDisposed)
		return nil, fmt.Errorf("%w: %s", ErrRegistryTornDown, language)
	}
	r.releaseReservationLocked(language, disposeGen)
	reserved = false
	r.nextID++
	inst := &instance{id: r.nextID, language: language, adapter: adapter}
	if r.instances[language] == nil {
		r.instances[language] = make(map[uint64]*instance)
	}
	r.instances[language][inst.id] = inst
	count := len(r.instances[language])
	r.lock.Unlock()

	// Handlers may be invoked synchronously, so subscriptions are made without holding the lock.
	var stateSub events.Unsubscribe
	if r.config.AutoDispose {
		stateSub = adapter.OnStateChanged(func(change StateChange) {
			r.onStateChanged(inst, change)
		})
	}
	disposeSub := adapter.OnDisposed(func() {
		r.onAdapterDisposed(inst)
	})

	currentState := adapter.State()

	r.lock.Lock()
	inst.stateSub = stateSub
	inst.disposeSub = disposeSub
	if inst.removed {
		// Disposed or detached while we were subscribing.
		r.lock.Unlock()
		unsubscribe(stateSub, disposeSub)
		return adapter, nil
	}
	if r.config.AutoDispose && inst.timerGen == 0 && nextTimerAction(currentState) == timerArm {
		// The adapter lost the connection before we started listening (and no state change was seen since).
		r.armTimerLocked(inst)
	}
	r.lock.Unlock()

	r.log.V(1).Info("Adapter created", "Language", language, "SessionID", config.SessionID, "Instance", inst.id)
	r.metrics.AdapterCreated(language)
	r.metrics.ActiveAdapters(language, count)
	r.events.Emit(RegistryEvent{Kind: AdapterCreated, Language: language, Adapter: adapter})
	return adapter, nil
}

func (r *Registry) resolveFactory(ctx context.Context, language string) (Factory, error) {
	r.lock.Lock()
	reg, found := r.factories[language]
	r.lock.Unlock()
	if found {
		return reg.factory, nil
	}

	if !r.dynamicLoadingEnabled() {
		return nil, &AdapterNotFoundError{Language: language, AvailableLanguages: r.SupportedLanguages()}
	}

	factory, loadErr := r.loader.LoadFactory(ctx, language)
	if loadErr != nil {
		r.log.V(1).Info("Could not load adapter factory dynamically", "Language", language, "Error", loadErr.Error())
		available, _ := r.ListLanguages(ctx)
		return nil, &AdapterNotFoundError{Language: language, AvailableLanguages: available, Cause: loadErr}
	}

	registerErr := r.Register(ctx, language, factory)
	var dup *DuplicateRegistrationError
	switch {
	case errors.As(registerErr, &dup):
		// Somebody else loaded (or registered) the factory concurrently; use theirs.
		r.lock.Lock()
		reg, found = r.factories[language]
		r.lock.Unlock()
		if found {
			return reg.factory, nil
		}
		return factory, nil
	case registerErr != nil:
		return nil, registerErr
	default:
		r.log.Info("Adapter factory loaded dynamically", "Language", language)
		return factory, nil
	}
}

func (r *Registry) releaseReservation(language string, disposeGen uint64) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.releaseReservationLocked(language, disposeGen)
}

// Reservations made before the last DisposeAll() were already dropped by it.
func (r *Registry) releaseReservationLocked(language string, disposeGen uint64) {
	if disposeGen != r.disposeGen {
		return
	}
	r.reservations[language]--
	if r.reservations[language] <= 0 {
		delete(r.reservations, language)
	}
}

// Disposes an adapter whose creation finished after the registry (or its language) was torn down.
func (r *Registry) discardTornDown(language string, adapter Adapter, registryDisposed bool) {
	reason := DisposeReasonUnregister
	if registryDisposed {
		reason = DisposeReasonDisposeAll
	}
	r.log.V(1).Info("Discarding adapter created during teardown", "Language", language, "Reason", reason)
	if disposeErr := r.safeDispose(context.Background(), adapter); disposeErr != nil {
		r.reportError(language, fmt.Errorf("failed to dispose %s adapter created during teardown: %w", language, disposeErr))
	}
	r.metrics.AdapterDisposed(language, reason)
}

// Returns registered languages, sorted.
func (r *Registry) SupportedLanguages() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return slices.Sorted(maps.Keys(r.factories))
}

func (r *Registry) IsLanguageSupported(language string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	_, found := r.factories[language]
	return found
}

func (r *Registry) AdapterInfo(language string) (Info, bool) {
	r.lock.Lock()
	reg, found := r.factories[language]
	active := len(r.instances[language])
	r.lock.Unlock()

	if !found {
		return Info{}, false
	}
	return makeInfo(language, reg, active), true
}

func (r *Registry) AllAdapterInfo() map[string]Info {
	r.lock.Lock()
	regs := maps.Clone(r.factories)
	active := make(map[string]int, len(r.instances))
	for language, set := range r.instances {
		active[language] = len(set)
	}
	r.lock.Unlock()

	retval := make(map[string]Info, len(regs))
	for language, reg := range regs {
		retval[language] = makeInfo(language, reg, active[language])
	}
	return retval
}

func makeInfo(language string, reg *registration, active int) Info {
	metadata := reg.factory.Metadata()
	metadata.Language = language
	return Info{
		Metadata:        metadata,
		Available:       true,
		ActiveInstances: active,
		LastValidation:  reg.lastValidation,
		RegisteredAt:    reg.registeredAt,
	}
}

// Returns the languages that can be debugged. With dynamic loading enabled, this includes languages
// with installed adapters that have not been loaded yet.
func (r *Registry) ListLanguages(ctx context.Context) ([]string, error) {
	static := r.SupportedLanguages()
	if !r.dynamicLoadingEnabled() {
		return static, nil
	}

	descriptors, listErr := r.loader.ListAvailable(ctx)
	var discovered []string
	for _, d := range descriptors {
		if d.Installed {
			discovered = append(discovered, d.Name)
		}
	}

	if listErr != nil || len(discovered) == 0 {
		if listErr != nil {
			r.log.V(1).Info("Adapter discovery failed, using default language list", "Error", listErr.Error())
		}
		if len(r.config.DefaultLanguages) > 0 {
			return mergeLanguages(static, r.config.DefaultLanguages), nil
		}
		return static, nil
	}

	return mergeLanguages(static, discovered), nil
}

// Lists adapters that can be used. With dynamic loading disabled, these are the registered adapters only.
func (r *Registry) ListAvailableAdapters(ctx context.Context) ([]Descriptor, error) {
	if !r.dynamicLoadingEnabled() {
		infos := r.AllAdapterInfo()
		retval := make([]Descriptor, 0, len(infos))
		for _, language := range slices.Sorted(maps.Keys(infos)) {
			retval = append(retval, Descriptor{
				Name:        language,
				PackageName: PackageName(language),
				Description: infos[language].Description,
				Installed:   true,
			})
		}
		return retval, nil
	}

	descriptors, listErr := r.loader.ListAvailable(ctx)
	if listErr != nil {
		return nil, fmt.Errorf("could not list available adapters: %w", listErr)
	}

	retval := slices.Clone(descriptors)
	for i := range retval {
		if !retval[i].Installed && r.IsLanguageSupported(retval[i].Name) {
			retval[i].Installed = true
		}
	}
	slices.SortFunc(retval, func(a, b Descriptor) int {
		return strings.Compare(a.Name, b.Name)
	})
	return retval, nil
}

// Disposes all live adapters and removes all factories.
// Adapter disposal failures are reported via RegistryError events.
// Returns an error only if the context is cancelled before all adapters are disposed.
func (r *Registry) DisposeAll(ctx context.Context) error {
	r.lock.Lock()
	var toDispose []*instance
	for _, language := range slices.Sorted(maps.Keys(r.instances)) {
		toDispose = append(toDispose, r.detachLanguageLocked(language)...)
	}
	languages := slices.Collect(maps.Keys(r.factories))
	clear(r.factories)
	clear(r.instances)
	clear(r.reservations)
	r.disposeGen++
	r.lock.Unlock()

	if err := r.disposeConcurrently(ctx, toDispose, DisposeReasonDisposeAll); err != nil {
		return err
	}

	for _, language := range languages {
		r.metrics.ActiveAdapters(language, 0)
	}
	r.log.V(1).Info("Adapter registry disposed", "DisposedAdapters", len(toDispose))
	r.events.Emit(RegistryEvent{Kind: RegistryDisposed})
	return nil
}

func (r *Registry) ActiveAdapterCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()

	count := 0
	for _, set := range r.instances {
		count += len(set)
	}
	return count
}

func (r *Registry) dynamicLoadingEnabled() bool {
	return r.config.DynamicLoadingEnabled && r.loader != nil
}

// Removes all instances for the language from the registry and stops their auto-dispose timers.
// Returns the removed instances.
func (r *Registry) detachLanguageLocked(language string) []*instance {
	set := r.instances[language]
	delete(r.instances, language)

	detached := make([]*instance, 0, len(set))
	for _, id := range slices.Sorted(maps.Keys(set)) {
		inst := set[id]
		r.cancelTimerLocked(inst)
		inst.removed = true
		detached = append(detached, inst)
	}
	return detached
}

func (r *Registry) disposeConcurrently(ctx context.Context, toDispose []*instance, reason string) error {
	if len(toDispose) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, inst := range toDispose {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.disposeInstance(ctx, inst, reason)
		}()
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("adapter disposal did not complete: %w", ctx.Err())
	}
}

// Disposes an instance that has already been detached from the registry.
func (r *Registry) disposeInstance(ctx context.Context, inst *instance, reason string) {
	r.lock.Lock()
	stateSub, disposeSub := inst.stateSub, inst.disposeSub
	inst.stateSub, inst.disposeSub = nil, nil
	r.lock.Unlock()
	unsubscribe(stateSub, disposeSub)

	if err := r.safeDispose(ctx, inst.adapter); err != nil {
		r.reportError(inst.language, fmt.Errorf("failed to dispose adapter for %s: %w", inst.language, err))
	}

	r.metrics.AdapterDisposed(inst.language, reason)
	r.events.Emit(RegistryEvent{Kind: AdapterDisposed, Language: inst.language, Adapter: inst.adapter})
}

func (r *Registry) safeDispose(ctx context.Context, adapter Adapter) error {
	return resiliency.CallSafely(r.log, func() error {
		return adapter.Dispose(ctx)
	})
}

func (r *Registry) onStateChanged(inst *instance, change StateChange) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if inst.removed {
		return
	}

	action := nextTimerAction(change.New)
	switch action {
	case timerArm:
		r.armTimerLocked(inst)
	case timerCancel:
		r.cancelTimerLocked(inst)
	}

	if action != timerNone {
		r.log.V(1).Info("Adapter state changed", "Language", inst.language, "Instance", inst.id,
			"OldState", change.Old, "NewState", change.New, "AutoDisposeTimer", action.String())
	}
}

// Starts (or restarts) the auto-dispose timer for the instance.
func (r *Registry) armTimerLocked(inst *instance) {
	if inst.timer != nil {
		inst.timer.Stop()
	}
	inst.timerGen++
	gen := inst.timerGen
	inst.timer = time.AfterFunc(r.config.AutoDisposeTimeout, func() {
		r.onAutoDisposeTimer(inst, gen)
	})
}

func (r *Registry) cancelTimerLocked(inst *instance) {
	if inst.timer != nil {
		inst.timer.Stop()
		inst.timer = nil
	}
	// A timer callback that is already running will see a different generation and do nothing.
	inst.timerGen++
}

func (r *Registry) onAutoDisposeTimer(inst *instance, gen uint64) {
	r.lock.Lock()
	if inst.removed || inst.timerGen != gen {
		r.lock.Unlock()
		return
	}
	inst.timer = nil
	inst.autoDisposing = true
	r.lock.Unlock()

	r.log.Info("Disposing adapter that stayed disconnected for too long",
		"Language", inst.language, "Instance", inst.id, "Timeout", r.config.AutoDisposeTimeout.String())

	if err := r.safeDispose(context.Background(), inst.adapter); err != nil {
		r.reportError(inst.language, fmt.Errorf("auto-dispose failed for %s adapter: %w", inst.language, err))
		return
	}

	// Adapters are expected to report their disposal, but we do not rely on it.
	r.onAdapterDisposed(inst)
}

// Removes the instance from the live set (the language bucket is deleted once empty).
func (r *Registry) onAdapterDisposed(inst *instance) {
	r.lock.Lock()
	if inst.removed {
		r.lock.Unlock()
		return
	}
	inst.removed = true
	reason := DisposeReasonSelf
	if inst.autoDisposing {
		reason = DisposeReasonAutoDispose
	}
	r.cancelTimerLocked(inst)
	stateSub, disposeSub := inst.stateSub, inst.disposeSub
	inst.stateSub, inst.disposeSub = nil, nil

	count := 0
	if set, found := r.instances[inst.language]; found {
		delete(set, inst.id)
		count = len(set)
		if count == 0 {
			delete(r.instances, inst.language)
		}
	}
	r.lock.Unlock()

	unsubscribe(stateSub, disposeSub)

	r.log.V(1).Info("Adapter disposed", "Language", inst.language, "Instance", inst.id, "Reason", reason)
	r.metrics.AdapterDisposed(inst.language, reason)
	r.metrics.ActiveAdapters(inst.language, count)
	r.events.Emit(RegistryEvent{Kind: AdapterDisposed, Language: inst.language, Adapter: inst.adapter})
}

func (r *Registry) reportError(language string, err error) {
	if r.events.Emit(RegistryEvent{Kind: RegistryError, Language: language, Err: err}) == 0 {
		r.log.Error(err, "Adapter registry error", "Language", language)
	}
}

func (r *Registry) isDuplicate(language string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	_, exists := r.factories[language]
	return exists && !r.config.AllowOverride
}

// Returns the conventional package name for an adapter.
func PackageName(language string) string {
	return "dcpdbg-adapter-" + strings.ToLower(language)
}

func mergeLanguages(lists ...[]string) []string {
	var retval []string
	for _, list := range lists {
		retval = append(retval, list...)
	}
	slices.Sort(retval)
	return slices.Compact(retval)
}

func unsubscribe(subs ...events.Unsubscribe) {
	for _, s := range subs {
		if s != nil {
			s()
		}
	}
}
