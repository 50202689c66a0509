package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/mindsync-ai/predator/pkg/canonicalize"
	"github.com/mindsync-ai/predator/pkg/driver"
)

// TabInfo describes one open tab of a session.
type TabInfo struct {
	TabID    string `json:"tab_id"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	IsActive bool   `json:"is_active"`
}

// TabManager tracks the pages of one browser context by tab id.
type TabManager struct {
	bctx driver.BrowserContext

	mu      sync.Mutex
	order   []string
	pages   map[string]driver.Page
	active  string
	counter int
}

func NewTabManager(bctx driver.BrowserContext, initial driver.Page) *TabManager {
	t := &TabManager{bctx: bctx, pages: map[string]driver.Page{}}
	t.active = t.register(initial)
	return t
}

func (t *TabManager) register(page driver.Page) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counter++
	tabID := "tab_" + canonicalize.ShortHash(fmt.Sprintf("%d:%d", t.counter, len(t.pages)))
	t.pages[tabID] = page
	t.order = append(t.order, tabID)
	return tabID
}

// OpenTab creates a page, navigates it, and makes it active.
func (t *TabManager) OpenTab(ctx context.Context, rawURL string) (string, error) {
	page, err := t.bctx.NewPage(ctx)
	if err != nil {
		return "", fmt.Errorf("engine: open tab: %w", err)
	}
	tabID := t.register(page)
	if err := page.Goto(ctx, rawURL); err != nil {
		return "", fmt.Errorf("engine: open tab navigation: %w", err)
	}
	t.mu.Lock()
	t.active = tabID
	t.mu.Unlock()
	return tabID, nil
}

// ListTabIDs returns tab ids in creation order.
func (t *TabManager) ListTabIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.order...)
}

// Page returns the page for tabID, or the active page when tabID is
// empty.
func (t *TabManager) Page(tabID string) (driver.Page, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := tabID
	if key == "" {
		key = t.active
	}
	page, ok := t.pages[key]
	if !ok {
		return nil, fmt.Errorf("engine: unknown tab_id: %s", key)
	}
	return page, nil
}

// SetActiveTab switches the active tab pointer.
func (t *TabManager) SetActiveTab(tabID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pages[tabID]; !ok {
		return fmt.Errorf("engine: unknown tab_id: %s", tabID)
	}
	t.active = tabID
	return nil
}

// ActiveTabID returns the active tab id.
func (t *TabManager) ActiveTabID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// ListTabs projects every tab with its current URL and title.
func (t *TabManager) ListTabs(ctx context.Context) []TabInfo {
	t.mu.Lock()
	ids := append([]string(nil), t.order...)
	active := t.active
	pages := make(map[string]driver.Page, len(t.pages))
	for id, page := range t.pages {
		pages[id] = page
	}
	t.mu.Unlock()

	tabs := make([]TabInfo, 0, len(ids))
	for _, id := range ids {
		page := pages[id]
		title, err := page.Title(ctx)
		if err != nil {
			title = ""
		}
		tabs = append(tabs, TabInfo{
			TabID:    id,
			URL:      page.URL(),
			Title:    title,
			IsActive: id == active,
		})
	}
	return tabs
}
