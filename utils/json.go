package utils

import (
	"encoding/json"
	"fmt"
	"os"
)

// APIResponse is the standardized machine-readable CLI output used when the
// --api flag is set.
type APIResponse struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// OutputJSON marshals and prints a standardized API response.
func OutputJSON(status string, data interface{}, err error) {
	response := APIResponse{Status: status}
	if err != nil {
		response.Status = "error"
		response.Error = err.Error()
	} else if data != nil {
		response.Data = data
	}
	jsonData, jsonErr := json.Marshal(response)
	if jsonErr != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", jsonErr)
		return
	}
	fmt.Println(string(jsonData))
}
