package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dwellfi/provision-brain/internal/http/response"
	"github.com/dwellfi/provision-brain/internal/phase"
	"github.com/dwellfi/provision-brain/internal/workflow"
)

type WorkflowHandler struct {
	workflows *workflow.Registry
	phases    *phase.Registry
}

func NewWorkflowHandler(workflows *workflow.Registry, phases *phase.Registry) *WorkflowHandler {
	return &WorkflowHandler{workflows: workflows, phases: phases}
}

func (h *WorkflowHandler) List(c *gin.Context) {
	var out []gin.H
	for _, name := range h.workflows.Names() {
		wf, _ := h.workflows.Get(name)
		out = append(out, gin.H{
			"name":                  wf.Name,
			"description":           wf.Description,
			"requires_confirmation": wf.RequiresConfirmation,
			"max_activation_slots":  wf.MaxActivationSlots,
			"phases":                len(wf.Phases),
		})
	}
	response.RespondOK(c, gin.H{"workflows": out})
}

// Graph renders the workflow DAG: nodes with their executor contracts,
// edges, and topological levels. Backs the operator UI's graph view.
func (h *WorkflowHandler) Graph(c *gin.Context) {
	wf, ok := h.workflows.Get(c.Param("name"))
	if !ok {
		response.RespondError(c, http.StatusNotFound, "not_found", fmt.Errorf("unknown workflow %q", c.Param("name")))
		return
	}

	nodes := make([]gin.H, 0, len(wf.Phases))
	for _, p := range wf.Phases {
		node := gin.H{
			"id":                 p.ID,
			"name":               p.Name,
			"executor":           p.Executor,
			"depends_on":         p.DependsOn,
			"per_unit":           p.PerUnit,
			"critical":           p.Critical,
			"api_calls_per_unit": p.APICallsPerUnit,
			"activation_slot":    p.ActivationSlot,
		}
		if exec, ok := h.phases.Get(p.Executor); ok {
			contract := exec.Contract()
			node["inputs"] = contract.InputNames()
			node["outputs"] = contract.OutputNames()
		}
		nodes = append(nodes, node)
	}

	graph := wf.Graph()
	edges := make([]gin.H, 0)
	for _, e := range graph.Edges() {
		edges = append(edges, gin.H{"from": e[0], "to": e[1]})
	}

	response.RespondOK(c, gin.H{
		"name":   wf.Name,
		"nodes":  nodes,
		"edges":  edges,
		"levels": graph.Levels(),
	})
}
