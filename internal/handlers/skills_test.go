package handlers

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentchat/server/internal/protocol"
	"github.com/agentchat/server/internal/skills"
)

func (e *env) registerSkills(t *testing.T, c *client, list []string) protocol.SkillsRegistered {
	t.Helper()
	e.send(c.sess, &protocol.ClientFrame{Type: protocol.TypeRegisterSkills, Skills: list})
	var reg protocol.SkillsRegistered
	nextAs(t, c.sess, protocol.TypeSkillsRegistered, &reg)
	return reg
}

func TestRegisterSkillsCleansList(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")

	reg := e.registerSkills(t, alice, []string{" Go ", "go", "RUST", "", "sql"})
	assert.Equal(t, alice.id, reg.Agent)
	assert.Equal(t, []string{"go", "rust", "sql"}, reg.Skills)
	assert.Equal(t, []string{"go", "rust", "sql"}, e.Skills.Get(alice.id))
}

func TestRegisterSkillsCapped(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")

	many := make([]string, 0, skills.MaxSkillsPerAgent+5)
	for i := 0; i < skills.MaxSkillsPerAgent+5; i++ {
		many = append(many, fmt.Sprintf("skill-%03d", i))
	}
	reg := e.registerSkills(t, alice, many)
	assert.Len(t, reg.Skills, skills.MaxSkillsPerAgent)
}

func TestRegisterSkillsEmptyClears(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")

	e.registerSkills(t, alice, []string{"translation"})
	reg := e.registerSkills(t, alice, nil)
	assert.Empty(t, reg.Skills)
	assert.Nil(t, e.Skills.Get(alice.id))
}

func TestSearchSkills(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")
	carol := e.connect(t, "carol")

	e.registerSkills(t, alice, []string{"golang", "sql"})
	e.registerSkills(t, bob, []string{"python", "golang"})
	e.registerSkills(t, carol, []string{"prose"})

	// Departed agents stay searchable, flagged offline.
	e.Hub.CloseInProc(carol.sess)

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeSearchSkills, Query: "GOLang"})
	var res protocol.SkillsResults
	nextAs(t, alice.sess, protocol.TypeSkillsResults, &res)
	assert.Equal(t, "GOLang", res.Query)
	require.Len(t, res.Matches, 2)

	wantOrder := []string{alice.id, bob.id}
	sort.Strings(wantOrder)
	names := map[string]string{alice.id: "alice", bob.id: "bob"}
	for i, m := range res.Matches {
		assert.Equal(t, wantOrder[i], m.Agent, "matches come back ordered by agent id")
		assert.True(t, m.Online)
		assert.Equal(t, names[m.Agent], m.Name)
		assert.Contains(t, m.Skills, "golang")
	}

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeSearchSkills, Query: "prose"})
	nextAs(t, alice.sess, protocol.TypeSkillsResults, &res)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, carol.id, res.Matches[0].Agent)
	assert.False(t, res.Matches[0].Online)
	assert.Empty(t, res.Matches[0].Name)

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeSearchSkills, Query: "cobol"})
	nextAs(t, alice.sess, protocol.TypeSkillsResults, &res)
	assert.Empty(t, res.Matches)
}

func TestSearchSkillsRequiresQuery(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeSearchSkills})
	ef := wantErr(t, alice.sess, protocol.ErrInvalidMsg)
	assert.Equal(t, "query is required", ef.Message)
}
