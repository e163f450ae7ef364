package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const actionCatalog = `Available actions (one JSON object each, tag field "action"):
- create_task: projectId, title; optional description, status, priority, assignee, dueDate
- update_task: projectId, taskId; any task fields to change
- delete_task: projectId, taskId
- create_document: projectId, title
- update_document: projectId, docId; any doc tab fields to change
- delete_document: projectId, docId
- create_expense: projectId, amount, description; optional category, date
- update_expense: projectId, expenseId; any expense fields to change
- delete_expense: projectId, expenseId
- update_budget: projectId, budget and/or currency
- send_message: projectId, content; optional sender, type
- summarize_chat: projectId
- create_research: projectId, title; optional content, url, tags
- update_research: projectId, researchId; any research fields to change
- delete_research: projectId, researchId
- summarize_research: projectId, researchId
- send_notification: userEmail, message; optional title, type, projectId`

// BuildProposalPrompt assembles the single instruction sent to the planner for
// an automatic run.
func BuildProposalPrompt(snapshotJSON []byte, owners map[string]string) string {
	var b strings.Builder
	b.WriteString("You are an autonomous project assistant. Review the workspace snapshot below and propose concrete actions that move the projects forward.\n\n")
	b.WriteString(actionCatalog)
	b.WriteString("\n\nRules:\n")
	b.WriteString("- Reply with a single JSON array of action objects and nothing else.\n")
	b.WriteString("- Every action except send_notification must carry the projectId it applies to.\n")
	b.WriteString("- Only reference ids that appear in the snapshot.\n")
	b.WriteString("- Reply with [] when nothing is worth doing.\n\n")
	b.WriteString("Project owners (projectId -> email):\n")
	ids := make([]string, 0, len(owners))
	for id := range owners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(&b, "- %s -> %s\n", id, owners[id])
	}
	b.WriteString("\nSnapshot:\n")
	b.Write(snapshotJSON)
	b.WriteString("\n")
	return b.String()
}

// BuildChatSummaryPrompt asks for a short recap of a project's chat.
func BuildChatSummaryPrompt(messages any) (string, error) {
	data, err := json.Marshal(messages)
	if err != nil {
		return "", err
	}
	return "Summarize the following project chat in 2-3 sentences. Reply with the summary text only.\n\n" + string(data), nil
}

// BuildResearchSummaryPrompt asks for a short summary of one research item.
func BuildResearchSummaryPrompt(item any) (string, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return "", err
	}
	return "Summarize the following research item in 2-3 sentences. Reply with the summary text only.\n\n" + string(data), nil
}

// Propose sends the proposal prompt and returns the raw reply.
func Propose(ctx context.Context, p Planner, snapshotJSON []byte, owners map[string]string) (string, error) {
	text, err := p.Complete(ctx, BuildProposalPrompt(snapshotJSON, owners))
	if err != nil {
		return "", fmt.Errorf("generate proposal: %w", err)
	}
	return text, nil
}

// Summarize sends prompt and trims the reply.
func Summarize(ctx context.Context, p Planner, prompt string) (string, error) {
	text, err := p.Complete(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(text), nil
}
