// Package cluster shards workflows across execution nodes. Routing is
// deterministic by workflow, queues are fair per tenant, and a weighted
// cycle keeps heavy actions from starving light ones.
package cluster

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mindsync-ai/predator/pkg/artifacts"
	"github.com/mindsync-ai/predator/pkg/contracts"
	"github.com/mindsync-ai/predator/pkg/driver"
	"github.com/mindsync-ai/predator/pkg/engine"
	"github.com/mindsync-ai/predator/pkg/observability"
	"github.com/mindsync-ai/predator/pkg/quota"
	"github.com/mindsync-ai/predator/pkg/security"
)

// WorkClass buckets actions by expected cost.
type WorkClass string

const (
	WorkClassLight WorkClass = "light"
	WorkClassHeavy WorkClass = "heavy"
)

// CodeShardExecutionError marks a node panic or transport failure, as
// opposed to a failure the engine itself classified.
const CodeShardExecutionError = "SHARD_NODE_EXECUTION_ERROR"

// ErrNotInitialized is returned when work is submitted before
// Initialize.
var ErrNotInitialized = errors.New("cluster: not initialized")

// ClassifyWorkClass maps a contract to its scheduling class. An
// explicit metadata work_class wins; otherwise navigation, uploads,
// downloads, and custom JS count as heavy.
func ClassifyWorkClass(contract contracts.ActionContract) WorkClass {
	if explicit, ok := contract.Metadata["work_class"].(string); ok {
		switch WorkClass(explicit) {
		case WorkClassLight, WorkClassHeavy:
			return WorkClass(explicit)
		}
	}
	switch contract.ActionSpec.ActionType {
	case contracts.ActionUpload, contracts.ActionDownloadTrigger,
		contracts.ActionCustomJSRestricted, contracts.ActionNavigate:
		return WorkClassHeavy
	}
	return WorkClassLight
}

// SchedulerConfig tunes shard count and dispatch fairness.
type SchedulerConfig struct {
	ShardCount       int
	DispatchInterval time.Duration
	MonitorInterval  time.Duration
	LightWeight      int
	HeavyWeight      int
	// Observability, when set, is attached to every engine node so
	// contract executions emit spans and RED metrics.
	Observability *observability.Provider
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		ShardCount:       3,
		DispatchInterval: 20 * time.Millisecond,
		MonitorInterval:  250 * time.Millisecond,
		LightWeight:      3,
		HeavyWeight:      1,
	}
}

type queuedAction struct {
	tenantID   string
	workflowID string
	policy     security.Policy
	contract   contracts.ActionContract
	workClass  WorkClass
	enqueuedTS time.Time
	resultCh   chan *contracts.ActionExecutionResult
}

type classQueues struct {
	// tenants holds per-tenant FIFO queues; rr cycles tenant ids so no
	// tenant can monopolize its class.
	tenants map[string][]*queuedAction
	rr      []string
}

func newClassQueues() *classQueues {
	return &classQueues{tenants: map[string][]*queuedAction{}}
}

func (q *classQueues) push(item *queuedAction) {
	if _, known := q.tenants[item.tenantID]; !known {
		q.rr = append(q.rr, item.tenantID)
	}
	q.tenants[item.tenantID] = append(q.tenants[item.tenantID], item)
}

func (q *classQueues) pop() *queuedAction {
	for len(q.rr) > 0 {
		tenantID := q.rr[0]
		queue := q.tenants[tenantID]
		if len(queue) == 0 {
			q.rr = q.rr[1:]
			delete(q.tenants, tenantID)
			continue
		}
		item := queue[0]
		if len(queue) == 1 {
			q.rr = q.rr[1:]
			delete(q.tenants, tenantID)
		} else {
			q.tenants[tenantID] = queue[1:]
			q.rr = append(q.rr[1:], tenantID)
		}
		return item
	}
	return nil
}

func (q *classQueues) depth() int {
	total := 0
	for _, queue := range q.tenants {
		total += len(queue)
	}
	return total
}

type nodeQueues struct {
	light *classQueues
	heavy *classQueues
}

func newNodeQueues() *nodeQueues {
	return &nodeQueues{light: newClassQueues(), heavy: newClassQueues()}
}

func (n *nodeQueues) byClass(class WorkClass) *classQueues {
	if class == WorkClassHeavy {
		return n.heavy
	}
	return n.light
}

// BrowserFactory provides one browser per shard when the cluster owns
// its nodes.
type BrowserFactory func(nodeID int) (driver.Browser, error)

// Cluster routes contracts to shards by workflow hash and dispatches
// them with per-tenant fairness and a weighted light/heavy interleave.
type Cluster struct {
	config     SchedulerConfig
	slo        AdmissionSLO
	engineOpts engine.Options
	browserFor BrowserFactory

	mu         sync.Mutex
	nodes      []ExecutionNode
	nodeByID   map[int]ExecutionNode
	affinity   map[string]int
	queues     map[int]*nodeQueues
	classIndex map[int]int
	reserved   map[int]int
	cycle      []WorkClass

	dispatchCh chan struct{}
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// New builds a cluster that creates one engine per shard under the
// given base options.
func New(config SchedulerConfig, slo AdmissionSLO, opts engine.Options, browserFor BrowserFactory) *Cluster {
	return newCluster(config, slo, opts, browserFor, nil)
}

// NewWithNodes builds a cluster over caller-owned nodes.
func NewWithNodes(config SchedulerConfig, nodes []ExecutionNode) *Cluster {
	return newCluster(config, DefaultAdmissionSLO(), engine.Options{}, nil, nodes)
}

func newCluster(config SchedulerConfig, slo AdmissionSLO, opts engine.Options, browserFor BrowserFactory, nodes []ExecutionNode) *Cluster {
	if config.ShardCount <= 0 {
		config.ShardCount = DefaultSchedulerConfig().ShardCount
	}
	if config.DispatchInterval <= 0 {
		config.DispatchInterval = DefaultSchedulerConfig().DispatchInterval
	}
	if config.MonitorInterval <= 0 {
		config.MonitorInterval = DefaultSchedulerConfig().MonitorInterval
	}
	lightWeight := config.LightWeight
	if lightWeight < 1 {
		lightWeight = 1
	}
	heavyWeight := config.HeavyWeight
	if heavyWeight < 1 {
		heavyWeight = 1
	}
	cycle := make([]WorkClass, 0, lightWeight+heavyWeight)
	for i := 0; i < lightWeight; i++ {
		cycle = append(cycle, WorkClassLight)
	}
	for i := 0; i < heavyWeight; i++ {
		cycle = append(cycle, WorkClassHeavy)
	}

	return &Cluster{
		config:     config,
		slo:        slo,
		engineOpts: opts,
		browserFor: browserFor,
		nodes:      nodes,
		nodeByID:   map[int]ExecutionNode{},
		affinity:   map[string]int{},
		queues:     map[int]*nodeQueues{},
		classIndex: map[int]int{},
		reserved:   map[int]int{},
		cycle:      cycle,
		dispatchCh: make(chan struct{}, 1),
	}
}

func nodeDataDir(base string, nodeID int) string {
	if base == "" {
		base = "/tmp/predator"
	}
	if strings.HasSuffix(base, ".db") {
		base = filepath.Dir(base)
	}
	return filepath.Join(base, fmt.Sprintf("node-%d", nodeID))
}

func (c *Cluster) buildNodes() error {
	sessionConfig := c.engineOpts.SessionConfig
	if sessionConfig.MaxTotalSessions <= 0 {
		sessionConfig = engine.DefaultSessionConfig()
	}
	if sessionConfig.MaxTotalSessions > c.slo.MaxActiveSessions {
		sessionConfig.MaxTotalSessions = c.slo.MaxActiveSessions
	}
	for nodeID := 0; nodeID < c.config.ShardCount; nodeID++ {
		browser, err := c.browserFor(nodeID)
		if err != nil {
			return fmt.Errorf("cluster: browser for node %d: %w", nodeID, err)
		}
		nodeOpts := c.engineOpts
		nodeOpts.SessionConfig = sessionConfig
		nodeOpts.DataDir = nodeDataDir(c.engineOpts.DataDir, nodeID)
		nodeOpts.ArtifactRoot = ""
		nodeOpts.AuditRoot = ""
		nodeOpts.ControlDBPath = ""
		nodeOpts.TelemetryDir = ""
		eng, err := engine.New(browser, nodeOpts)
		if err != nil {
			return fmt.Errorf("cluster: engine for node %d: %w", nodeID, err)
		}
		node := NewEngineNode(nodeID, eng, c.slo, c.config.MonitorInterval)
		if c.config.Observability != nil {
			node = node.WithObservability(c.config.Observability)
		}
		c.nodes = append(c.nodes, node)
	}
	return nil
}

// Initialize builds missing nodes, initializes every node, and starts
// the dispatch loop.
func (c *Cluster) Initialize(ctx context.Context) error {
	if len(c.nodes) == 0 {
		if c.browserFor == nil {
			return errors.New("cluster: no nodes and no browser factory")
		}
		if err := c.buildNodes(); err != nil {
			return err
		}
	}
	for _, node := range c.nodes {
		c.nodeByID[node.NodeID()] = node
		c.queues[node.NodeID()] = newNodeQueues()
		if err := node.Initialize(ctx); err != nil {
			return err
		}
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.dispatchLoop()
	return nil
}

// Close stops dispatch and closes every node.
func (c *Cluster) Close(ctx context.Context) error {
	if c.stopCh != nil {
		close(c.stopCh)
		<-c.doneCh
		c.stopCh = nil
	}
	var firstErr error
	for _, node := range c.nodes {
		if err := node.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// nodeIDFor pins a workflow to a shard on first sight. Callers hold
// c.mu.
func (c *Cluster) nodeIDFor(tenantID, workflowID string) int {
	if pinned, ok := c.affinity[workflowID]; ok {
		return pinned
	}
	digest := sha256.Sum256([]byte(tenantID + "|" + workflowID))
	nodeID := int(binary.BigEndian.Uint64(digest[:8]) % uint64(len(c.nodes)))
	c.affinity[workflowID] = nodeID
	return nodeID
}

func (c *Cluster) signalDispatch() {
	select {
	case c.dispatchCh <- struct{}{}:
	default:
	}
}

// popNext picks the next queued item honoring the class cycle. Callers
// hold c.mu.
func (c *Cluster) popNext(nodeID int) *queuedAction {
	queues := c.queues[nodeID]
	if queues == nil {
		return nil
	}
	start := c.classIndex[nodeID] % len(c.cycle)
	for offset := 0; offset < len(c.cycle); offset++ {
		class := c.cycle[(start+offset)%len(c.cycle)]
		if item := queues.byClass(class).pop(); item != nil {
			c.classIndex[nodeID] = (start + offset + 1) % len(c.cycle)
			return item
		}
	}
	return nil
}

func (c *Cluster) runItem(node ExecutionNode, item *queuedAction) {
	result, err := node.ExecuteContract(context.Background(), item.tenantID, item.workflowID, item.policy, item.contract)
	if err != nil {
		actionID, idErr := item.contract.ActionID()
		if idErr != nil {
			actionID = ""
		}
		result = contracts.FailureResult(actionID, CodeShardExecutionError, err.Error())
	}
	item.resultCh <- result

	c.mu.Lock()
	if c.reserved[node.NodeID()] > 0 {
		c.reserved[node.NodeID()]--
	}
	c.mu.Unlock()
	c.signalDispatch()
}

func (c *Cluster) dispatchOnce() bool {
	dispatched := false
	for _, node := range c.nodes {
		limit := node.AdmissionLimit()
		for node.CanAdmit() {
			c.mu.Lock()
			if c.reserved[node.NodeID()] >= limit {
				c.mu.Unlock()
				break
			}
			item := c.popNext(node.NodeID())
			if item == nil {
				c.mu.Unlock()
				break
			}
			c.reserved[node.NodeID()]++
			c.mu.Unlock()
			dispatched = true
			go c.runItem(node, item)
		}
	}
	return dispatched
}

func (c *Cluster) dispatchLoop() {
	defer close(c.doneCh)
	for {
		if c.dispatchOnce() {
			continue
		}
		select {
		case <-c.stopCh:
			return
		case <-c.dispatchCh:
		case <-time.After(c.config.DispatchInterval):
		}
	}
}

// ExecuteContract enqueues the contract on its workflow's shard and
// waits for the result.
func (c *Cluster) ExecuteContract(ctx context.Context, tenantID, workflowID string, policy security.Policy, contract contracts.ActionContract) (*contracts.ActionExecutionResult, error) {
	c.mu.Lock()
	if len(c.nodes) == 0 {
		c.mu.Unlock()
		return nil, ErrNotInitialized
	}
	nodeID := c.nodeIDFor(tenantID, workflowID)
	item := &queuedAction{
		tenantID:   tenantID,
		workflowID: workflowID,
		policy:     policy,
		contract:   contract,
		workClass:  ClassifyWorkClass(contract),
		enqueuedTS: time.Now(),
		resultCh:   make(chan *contracts.ActionExecutionResult, 1),
	}
	c.queues[nodeID].byClass(item.workClass).push(item)
	c.mu.Unlock()
	c.signalDispatch()

	select {
	case result := <-item.resultCh:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cluster) resolveNode(tenantID, workflowID string) (ExecutionNode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.nodes) == 0 {
		return nil, ErrNotInitialized
	}
	return c.nodeByID[c.nodeIDFor(tenantID, workflowID)], nil
}

// RegisterUploadArtifact stages an upload on the workflow's shard.
func (c *Cluster) RegisterUploadArtifact(ctx context.Context, tenantID, workflowID, actionID, sourcePath string) (artifacts.Record, error) {
	node, err := c.resolveNode(tenantID, workflowID)
	if err != nil {
		return artifacts.Record{}, err
	}
	return node.RegisterUploadArtifact(ctx, tenantID, workflowID, actionID, sourcePath)
}

// VerifyAuditChain checks the workflow's audit log on its shard.
func (c *Cluster) VerifyAuditChain(tenantID, workflowID string) (bool, string, error) {
	node, err := c.resolveNode(tenantID, workflowID)
	if err != nil {
		return false, "", err
	}
	return node.VerifyAuditChain(tenantID, workflowID)
}

// ReplayTrace returns the workflow's audit records from its shard.
func (c *Cluster) ReplayTrace(tenantID, workflowID string) ([]map[string]interface{}, error) {
	node, err := c.resolveNode(tenantID, workflowID)
	if err != nil {
		return nil, err
	}
	return node.ReplayTrace(tenantID, workflowID)
}

// OpenTab opens a tab on the workflow's shard.
func (c *Cluster) OpenTab(ctx context.Context, tenantID, workflowID string, policy security.Policy, url string) (string, error) {
	node, err := c.resolveNode(tenantID, workflowID)
	if err != nil {
		return "", err
	}
	return node.OpenTab(ctx, tenantID, workflowID, policy, url)
}

// SwitchTab switches tabs for a workflow that already has affinity.
func (c *Cluster) SwitchTab(ctx context.Context, workflowID, tabID string) error {
	c.mu.Lock()
	nodeID, ok := c.affinity[workflowID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("cluster: no shard affinity for workflow_id=%s", workflowID)
	}
	return c.nodeByID[nodeID].SwitchTab(ctx, workflowID, tabID)
}

// ListTabs lists tabs for a workflow that already has affinity.
func (c *Cluster) ListTabs(ctx context.Context, workflowID string) []engine.TabInfo {
	c.mu.Lock()
	nodeID, ok := c.affinity[workflowID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.nodeByID[nodeID].ListTabs(ctx, workflowID)
}

// CloseWorkflowSession closes the workflow's session and drops its
// affinity pin.
func (c *Cluster) CloseWorkflowSession(ctx context.Context, workflowID string) {
	c.mu.Lock()
	nodeID, ok := c.affinity[workflowID]
	if ok {
		delete(c.affinity, workflowID)
	}
	c.mu.Unlock()
	if ok {
		c.nodeByID[nodeID].CloseWorkflowSession(ctx, workflowID)
	}
}

// SetTenantQuota installs the quota on every shard.
func (c *Cluster) SetTenantQuota(ctx context.Context, tenantID string, q quota.TenantQuota) error {
	var firstErr error
	for _, node := range c.nodes {
		if err := node.SetTenantQuota(ctx, tenantID, q); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Cluster) queueDepth(nodeID int) int {
	queues := c.queues[nodeID]
	if queues == nil {
		return 0
	}
	return queues.light.depth() + queues.heavy.depth()
}

// Health aggregates node snapshots and queue depths.
func (c *Cluster) Health() map[string]interface{} {
	snapshots := make([]NodeSnapshot, 0, len(c.nodes))
	for _, node := range c.nodes {
		snapshots = append(snapshots, node.Snapshot())
	}

	c.mu.Lock()
	affinitySize := len(c.affinity)
	depths := make(map[int]int, len(snapshots))
	for _, snap := range snapshots {
		depths[snap.NodeID] = c.queueDepth(snap.NodeID)
	}
	c.mu.Unlock()

	nodesPayload := make([]interface{}, 0, len(snapshots))
	totalSessions, totalOpenCircuits, totalQueue := 0, 0, 0
	anyDrain := false
	for _, snap := range snapshots {
		totalSessions += snap.ActiveSessions
		totalOpenCircuits += snap.OpenCircuits
		totalQueue += depths[snap.NodeID]
		anyDrain = anyDrain || snap.DrainMode
		nodesPayload = append(nodesPayload, map[string]interface{}{
			"node_id":            snap.NodeID,
			"admit":              snap.Admit,
			"drain_mode":         snap.DrainMode,
			"reasons":            snap.Reasons,
			"inflight_actions":   snap.InflightActions,
			"active_sessions":    snap.ActiveSessions,
			"open_circuits":      snap.OpenCircuits,
			"breaker_open_ratio": snap.BreakerOpenRatio,
			"loop_lag_p95_ms":    snap.LoopLagP95MS,
			"fd_count":           snap.FDCount,
			"rss_mb":             snap.RSSMB,
			"status":             snap.Status,
			"queue_depth":        depths[snap.NodeID],
		})
	}
	status := "healthy"
	if anyDrain {
		status = "degraded"
	}
	return map[string]interface{}{
		"status": status,
		"cluster": map[string]interface{}{
			"shard_count":            len(snapshots),
			"total_active_sessions":  totalSessions,
			"total_open_circuits":    totalOpenCircuits,
			"total_queue_depth":      totalQueue,
			"workflow_affinity_size": affinitySize,
		},
		"nodes": nodesPayload,
	}
}
