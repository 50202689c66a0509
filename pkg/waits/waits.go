// Package waits runs the event-driven wait conditions attached to action
// contracts. Waits are armed before the action dispatches so fast events
// cannot slip between dispatch and observation, then collected afterwards
// under per-condition timeouts.
package waits

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"github.com/mindsync-ai/predator/pkg/contracts"
	"github.com/mindsync-ai/predator/pkg/driver"
)

// Composite modes.
const (
	ModeAll = "all"
	ModeAny = "any"
)

const defaultTimeoutMS = 10000

var (
	ErrUnsupportedKind = errors.New("waits: unsupported wait condition kind")
	ErrUnsupportedMode = errors.New("waits: unsupported composite mode")
	ErrStrictSelector  = errors.New("waits: strict selector resolved to more than one element")
	ErrTimeout         = errors.New("waits: condition timed out")
)

// Outcome records one settled wait condition.
type Outcome struct {
	Condition contracts.WaitCondition
	Satisfied bool
	Detail    string
}

// ChaosPolicy injects seeded timing jitter and DOM churn around action
// dispatch. Disabled by default; the same seed reproduces the same run.
type ChaosPolicy struct {
	Enabled                bool
	Seed                   int64
	PreActionDelayMSMin    int
	PreActionDelayMSMax    int
	PostActionDelayMSMin   int
	PostActionDelayMSMax   int
	DOMMutationProbability float64
	DOMMutationSelector    string
}

const defaultMutationSelector = "button,a[href],input,select,textarea"

const mutationScript = `
({selector, targetIndex}) => {
  const list = Array.from(document.querySelectorAll(selector));
  if (!list.length) return false;
  const index = Math.min(targetIndex, list.length - 1);
  const target = list[index];
  if (!target) return false;
  target.remove();
  return true;
}
`

// Manager owns wait evaluation for one page.
type Manager struct {
	page  driver.Page
	chaos ChaosPolicy

	mu  sync.Mutex
	rng *rand.Rand
}

func NewManager(page driver.Page, chaos ChaosPolicy) *Manager {
	if chaos.DOMMutationSelector == "" {
		chaos.DOMMutationSelector = defaultMutationSelector
	}
	return &Manager{
		page:  page,
		chaos: chaos,
		rng:   rand.New(rand.NewSource(chaos.Seed)),
	}
}

func (m *Manager) randInt(bound int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Intn(bound)
}

func (m *Manager) randFloat() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64()
}

func (m *Manager) maybeDelay(ctx context.Context, minMS, maxMS int) {
	if !m.chaos.Enabled || minMS < 0 || maxMS <= 0 || maxMS < minMS {
		return
	}
	delayMS := minMS + m.randInt(maxMS-minMS+1)
	if delayMS <= 0 {
		return
	}
	timer := time.NewTimer(time.Duration(delayMS) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (m *Manager) maybeMutateDOM(ctx context.Context) {
	if !m.chaos.Enabled || m.chaos.DOMMutationProbability <= 0 {
		return
	}
	if m.randFloat() > m.chaos.DOMMutationProbability {
		return
	}
	arg := map[string]interface{}{
		"selector":    m.chaos.DOMMutationSelector,
		"targetIndex": m.randInt(21),
	}
	_, _ = m.page.Evaluate(ctx, mutationScript, arg)
}

// armedWait is one condition with its observation already attached.
type armedWait struct {
	condition contracts.WaitCondition
	timeout   time.Duration
	wait      func(ctx context.Context) (Outcome, error)
	release   func()
}

func conditionTimeout(c contracts.WaitCondition) time.Duration {
	ms := c.TimeoutMS
	if ms <= 0 {
		if v, ok := c.Payload["timeout_ms"].(float64); ok && v > 0 {
			ms = int(v)
		}
	}
	if ms <= 0 {
		ms = defaultTimeoutMS
	}
	return time.Duration(ms) * time.Millisecond
}

func payloadString(p map[string]interface{}, key string) string {
	s, _ := p[key].(string)
	return s
}

func payloadInt(p map[string]interface{}, key string) (int, bool) {
	switch t := p[key].(type) {
	case int:
		return t, true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}

// arm attaches the observation for one condition. Response subscriptions
// register synchronously, so events caused by a later dispatch are never
// missed.
func (m *Manager) arm(condition contracts.WaitCondition) (*armedWait, error) {
	armed := &armedWait{
		condition: condition,
		timeout:   conditionTimeout(condition),
		release:   func() {},
	}

	switch condition.Kind {
	case contracts.WaitSelector:
		selector := payloadString(condition.Payload, "selector")
		if selector == "" {
			return nil, fmt.Errorf("%w: selector payload missing selector", ErrUnsupportedKind)
		}
		state := driver.WaitState(payloadString(condition.Payload, "state"))
		if state == "" {
			state = driver.StateVisible
		}
		strict, _ := condition.Payload["strict"].(bool)
		armed.wait = func(ctx context.Context) (Outcome, error) {
			locator := m.page.Locator(selector)
			if err := locator.WaitFor(ctx, state); err != nil {
				return Outcome{Condition: condition}, err
			}
			if strict {
				n, err := locator.Count(ctx)
				if err != nil {
					return Outcome{Condition: condition}, err
				}
				if n != 1 {
					return Outcome{Condition: condition}, fmt.Errorf("%w: %q matched %d", ErrStrictSelector, selector, n)
				}
			}
			return Outcome{Condition: condition, Satisfied: true, Detail: "selector"}, nil
		}

	case contracts.WaitResponse:
		pattern := payloadString(condition.Payload, "url_pattern")
		regex, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: bad url_pattern %q: %v", ErrUnsupportedKind, pattern, err)
		}
		statusMin, hasMin := payloadInt(condition.Payload, "status_min")
		statusMax, hasMax := payloadInt(condition.Payload, "status_max")

		matched := make(chan driver.ResponseEvent, 1)
		remove := m.page.OnResponse(func(event driver.ResponseEvent) {
			if !regex.MatchString(event.URL) {
				return
			}
			if hasMin && event.Status < statusMin {
				return
			}
			if hasMax && event.Status > statusMax {
				return
			}
			select {
			case matched <- event:
			default:
			}
		})
		armed.release = remove
		armed.wait = func(ctx context.Context) (Outcome, error) {
			select {
			case event := <-matched:
				detail := fmt.Sprintf("response:%d:%s", event.Status, event.URL)
				return Outcome{Condition: condition, Satisfied: true, Detail: detail}, nil
			case <-ctx.Done():
				return Outcome{Condition: condition}, ctx.Err()
			}
		}

	case contracts.WaitFunction:
		expression := payloadString(condition.Payload, "expression")
		if expression == "" {
			return nil, fmt.Errorf("%w: function payload missing expression", ErrUnsupportedKind)
		}
		arg := condition.Payload["arg"]
		armed.wait = func(ctx context.Context) (Outcome, error) {
			if err := m.page.WaitForFunction(ctx, expression, arg); err != nil {
				return Outcome{Condition: condition}, err
			}
			return Outcome{Condition: condition, Satisfied: true, Detail: "function"}, nil
		}

	case contracts.WaitURL:
		pattern := payloadString(condition.Payload, "url_pattern")
		regex, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: bad url_pattern %q: %v", ErrUnsupportedKind, pattern, err)
		}
		armed.wait = func(ctx context.Context) (Outcome, error) {
			if err := m.page.WaitForURL(ctx, regex); err != nil {
				return Outcome{Condition: condition}, err
			}
			return Outcome{Condition: condition, Satisfied: true, Detail: "url"}, nil
		}

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, condition.Kind)
	}

	return armed, nil
}

type settled struct {
	index   int
	outcome Outcome
	err     error
}

func (m *Manager) collect(ctx context.Context, armed []*armedWait, mode string) ([]Outcome, error) {
	if len(armed) == 0 {
		return nil, nil
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan settled, len(armed))
	for i, a := range armed {
		go func(index int, a *armedWait) {
			condCtx, condCancel := context.WithTimeout(waitCtx, a.timeout)
			defer condCancel()
			outcome, err := a.wait(condCtx)
			if err != nil && errors.Is(err, context.DeadlineExceeded) && waitCtx.Err() == nil {
				err = fmt.Errorf("%w: kind=%s after %s", ErrTimeout, a.condition.Kind, a.timeout)
			}
			results <- settled{index: index, outcome: outcome, err: err}
		}(i, a)
	}

	switch mode {
	case ModeAll:
		outcomes := make([]Outcome, len(armed))
		var firstErr error
		for range armed {
			r := <-results
			outcomes[r.index] = r.outcome
			if r.err != nil && firstErr == nil {
				firstErr = r.err
			}
		}
		if firstErr != nil {
			return outcomes, firstErr
		}
		return outcomes, nil

	case ModeAny:
		// The first settled condition wins, success or failure, and the
		// rest are cancelled.
		r := <-results
		cancel()
		if r.err != nil {
			return nil, r.err
		}
		return []Outcome{r.outcome}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}
}

func releaseAll(armed []*armedWait) {
	for _, a := range armed {
		a.release()
	}
}

// WaitForConditions arms and collects conditions with no action in
// between. Used for wait_only actions.
func (m *Manager) WaitForConditions(ctx context.Context, conditions []contracts.WaitCondition, mode string) ([]Outcome, error) {
	if mode == "" {
		mode = ModeAll
	}
	var armed []*armedWait
	for _, c := range conditions {
		a, err := m.arm(c)
		if err != nil {
			releaseAll(armed)
			return nil, err
		}
		armed = append(armed, a)
	}
	defer releaseAll(armed)
	return m.collect(ctx, armed, mode)
}

// ExecuteWithConditions arms every condition, runs the action, then
// collects outcomes. Arming precedes dispatch so edge-triggered events
// the action causes are always observed.
func (m *Manager) ExecuteWithConditions(ctx context.Context, action func(context.Context) error, conditions []contracts.WaitCondition, mode string) ([]Outcome, error) {
	if mode == "" {
		mode = ModeAll
	}
	if len(conditions) == 0 {
		m.maybeDelay(ctx, m.chaos.PreActionDelayMSMin, m.chaos.PreActionDelayMSMax)
		m.maybeMutateDOM(ctx)
		if err := action(ctx); err != nil {
			return nil, err
		}
		m.maybeDelay(ctx, m.chaos.PostActionDelayMSMin, m.chaos.PostActionDelayMSMax)
		return nil, nil
	}

	var armed []*armedWait
	for _, c := range conditions {
		a, err := m.arm(c)
		if err != nil {
			releaseAll(armed)
			return nil, err
		}
		armed = append(armed, a)
	}
	defer releaseAll(armed)

	m.maybeDelay(ctx, m.chaos.PreActionDelayMSMin, m.chaos.PreActionDelayMSMax)
	m.maybeMutateDOM(ctx)
	if err := action(ctx); err != nil {
		return nil, err
	}
	m.maybeDelay(ctx, m.chaos.PostActionDelayMSMin, m.chaos.PostActionDelayMSMax)

	return m.collect(ctx, armed, mode)
}
