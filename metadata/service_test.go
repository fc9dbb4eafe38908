package metadata

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/inboxflow/inboxflow/model"
	"github.com/inboxflow/inboxflow/persistence"
	"github.com/inboxflow/inboxflow/persistence/inmem"
	"github.com/stretchr/testify/require"
)

func validFlow(id string) *model.FlowDefinition {
	return &model.FlowDefinition{
		Id:          id,
		Name:        "test flow",
		IsActive:    true,
		TriggerType: model.TRIGGER_KEYWORD,
		Nodes: map[string]model.FlowNode{
			"s": {Id: "s", Type: model.NODE_START},
			"t": {Id: "t", Type: model.NODE_TEXT,
				Data: model.NodeData{Message: &model.MessagePayload{Content: "hi"}}},
			"e": {Id: "e", Type: model.NODE_END},
		},
		Edges: []model.FlowEdge{
			{Id: "e1", SourceNodeId: "s", TargetNodeId: "t"},
			{Id: "e2", SourceNodeId: "t", TargetNodeId: "e"},
		},
	}
}

func TestMetadataService(t *testing.T) {
	for scenario, fn := range map[string]func(
		t *testing.T, svc *Service, storage *inmem.Storage,
	){
		"save and get round trip":         testSaveGet,
		"invalid definition is rejected":  testValidationRejected,
		"get is served from cache":        testCacheReadThrough,
		"delete blocked by live sessions": testDeleteBlocked,
		"delete succeeds when idle":       testDeleteIdle,
		"load directory of yaml flows":    testLoadDir,
	} {
		t.Run(scenario, func(t *testing.T) {
			storage := inmem.NewStorage()
			fn(t, NewService(storage.Definitions(), storage.Sessions()), storage)
		})
	}
}

func testSaveGet(t *testing.T, svc *Service, _ *inmem.Storage) {
	ctx := context.Background()
	require.NoError(t, svc.Save(ctx, validFlow("f1")))

	def, err := svc.Get(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, "test flow", def.Name)

	defs, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)
}

func testValidationRejected(t *testing.T, svc *Service, _ *inmem.Storage) {
	ctx := context.Background()

	noStart := validFlow("f1")
	delete(noStart.Nodes, "s")
	noStart.Edges = noStart.Edges[1:]
	require.Error(t, svc.Save(ctx, noStart))

	badEdge := validFlow("f2")
	badEdge.Edges = append(badEdge.Edges, model.FlowEdge{Id: "e3", SourceNodeId: "t", TargetNodeId: "ghost"})
	require.Error(t, svc.Save(ctx, badEdge))

	emptyText := validFlow("f3")
	emptyText.Nodes["t"] = model.FlowNode{Id: "t", Type: model.NODE_TEXT}
	require.Error(t, svc.Save(ctx, emptyText))
}

func testCacheReadThrough(t *testing.T, svc *Service, storage *inmem.Storage) {
	ctx := context.Background()
	require.NoError(t, svc.Save(ctx, validFlow("f1")))

	// drop the row behind the cache's back; the cached copy still serves
	require.NoError(t, storage.Definitions().DeleteDefinition(ctx, "f1"))
	def, err := svc.Get(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, "f1", def.Id)
}

func testDeleteBlocked(t *testing.T, svc *Service, storage *inmem.Storage) {
	ctx := context.Background()
	require.NoError(t, svc.Save(ctx, validFlow("f1")))
	require.NoError(t, storage.Sessions().SaveSession(ctx, &model.FlowSession{
		Id:        "s1",
		FlowId:    "f1",
		Status:    model.SESSION_ACTIVE,
		Variables: map[string]any{},
	}))

	err := svc.Delete(ctx, "f1")
	var inUse ErrDefinitionInUse
	require.ErrorAs(t, err, &inUse)
	require.Equal(t, 1, inUse.Sessions)

	_, err = svc.Get(ctx, "f1")
	require.NoError(t, err)
}

func testDeleteIdle(t *testing.T, svc *Service, storage *inmem.Storage) {
	ctx := context.Background()
	require.NoError(t, svc.Save(ctx, validFlow("f1")))
	// terminal sessions do not block deletion
	require.NoError(t, storage.Sessions().SaveSession(ctx, &model.FlowSession{
		Id:        "s1",
		FlowId:    "f1",
		Status:    model.SESSION_COMPLETED,
		Variables: map[string]any{},
	}))

	require.NoError(t, svc.Delete(ctx, "f1"))
	_, err := svc.Get(ctx, "f1")
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func testLoadDir(t *testing.T, svc *Service, _ *inmem.Storage) {
	ctx := context.Background()
	dir := t.TempDir()
	flowYaml := `
id: welcome
name: welcome flow
isActive: true
triggerType: keyword
triggerKeywords: [hello]
nodes:
  s:
    id: s
    type: start
  t:
    id: t
    type: text
    data:
      content: "hi there"
  e:
    id: e
    type: end
edges:
  - id: e1
    sourceNodeId: s
    targetNodeId: t
  - id: e2
    sourceNodeId: t
    targetNodeId: e
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "welcome.yaml"), []byte(flowYaml), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	require.NoError(t, svc.LoadDir(ctx, dir))
	def, err := svc.Get(ctx, "welcome")
	require.NoError(t, err)
	require.Equal(t, "welcome flow", def.Name)
	require.Equal(t, "hi there", def.Nodes["t"].Data.Message.Content)
}
