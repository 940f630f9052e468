package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTreeShapes(t *testing.T) {
	req := func(field string) *Condition {
		return &Condition{Type: NodeField, Field: field, Operator: OpEq, Value: "x", Required: true}
	}
	opt := func(field string) *Condition {
		return &Condition{Type: NodeField, Field: field, Operator: OpEq, Value: "x"}
	}

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, BuildTree(nil))
	})

	t.Run("single required stays a leaf", func(t *testing.T) {
		tree := BuildTree([]*Condition{req("a")})
		require.NotNil(t, tree)
		assert.Equal(t, NodeField, tree.Type)
		assert.Equal(t, "a", tree.Field)
	})

	t.Run("required only", func(t *testing.T) {
		tree := BuildTree([]*Condition{req("a"), req("b")})
		require.Equal(t, NodeGroup, tree.Type)
		assert.Equal(t, BoolAnd, tree.Op)
		assert.Len(t, tree.Children, 2)
	})

	t.Run("optional only becomes or group", func(t *testing.T) {
		tree := BuildTree([]*Condition{opt("a"), opt("b")})
		require.Equal(t, NodeGroup, tree.Type)
		assert.Equal(t, BoolOr, tree.Op)
		assert.Len(t, tree.Children, 2)
	})

	t.Run("mixed appends or subtree to and root", func(t *testing.T) {
		tree := BuildTree([]*Condition{req("a"), opt("b"), req("c"), opt("d")})
		require.Equal(t, NodeGroup, tree.Type)
		assert.Equal(t, BoolAnd, tree.Op)
		require.Len(t, tree.Children, 3)

		last := tree.Children[2]
		assert.Equal(t, NodeGroup, last.Type)
		assert.Equal(t, BoolOr, last.Op)
		assert.Len(t, last.Children, 2)
	})
}

func TestCompileRegex(t *testing.T) {
	c := &Condition{Type: NodeField, Field: "message", Operator: OpRegex, Value: `failed\s+login`}
	warnings := c.Compile()

	assert.Empty(t, warnings)
	require.NotNil(t, c.Regex())
	assert.False(t, c.IsDisabled())
	assert.True(t, c.Regex().MatchString("FAILED login")) // case-insensitive default
}

func TestCompileRegexCaseSensitive(t *testing.T) {
	c := &Condition{Type: NodeField, Field: "message", Operator: OpRegex, Value: `Failed`, CaseSensitive: true}
	c.Compile()

	require.NotNil(t, c.Regex())
	assert.True(t, c.Regex().MatchString("Failed"))
	assert.False(t, c.Regex().MatchString("failed"))
}

func TestCompileBadRegexDisablesCondition(t *testing.T) {
	c := &Condition{Type: NodeField, Field: "message", Operator: OpRegex, Value: `([unclosed`}
	warnings := c.Compile()

	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "does not compile")
	assert.True(t, c.IsDisabled())
	assert.Nil(t, c.Regex())
}

func TestCompileWalksGroups(t *testing.T) {
	tree := &Condition{
		Type: NodeGroup,
		Op:   BoolAnd,
		Children: []*Condition{
			{Type: NodeField, Field: "a", Operator: OpRegex, Value: `ok.*`},
			{Type: NodeGroup, Op: BoolOr, Children: []*Condition{
				{Type: NodeField, Field: "b", Operator: OpRegex, Value: `)broken`},
			}},
		},
	}

	warnings := tree.Compile()
	require.Len(t, warnings, 1)
	assert.False(t, tree.Children[0].IsDisabled())
	assert.True(t, tree.Children[1].Children[0].IsDisabled())
}

func TestLeaves(t *testing.T) {
	tree := BuildTree([]*Condition{
		{Type: NodeField, Field: "a", Operator: OpEq, Value: 1, Required: true},
		{Type: NodeField, Field: "b", Operator: OpEq, Value: 2},
		{Type: NodeField, Field: "c", Operator: OpEq, Value: 3},
	})

	leaves := tree.Leaves()
	require.Len(t, leaves, 3)
	assert.Equal(t, "a", leaves[0].Field)
	assert.Equal(t, "b", leaves[1].Field)
	assert.Equal(t, "c", leaves[2].Field)
}
