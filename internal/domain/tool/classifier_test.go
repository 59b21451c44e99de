package tool

import (
	"testing"
)

func TestClassifyByName_Critical(t *testing.T) {
	tests := []string{
		"file_delete", "database_remove", "database_drop", "destroy_resource",
		"execute_command", "exec_script", "shell_run", "run_command",
		"admin_reset", "sudo_run", "root_access", "truncate_table",
		"FILE_DELETE", "fileDelete",
	}
	for _, name := range tests {
		t.Run(name, func(t *testing.T) {
			if got := ClassifyByName(name); got != HeuristicCritical {
				t.Errorf("ClassifyByName(%q) = %v, want %v", name, got, HeuristicCritical)
			}
		})
	}
}

func TestClassifyByName_High(t *testing.T) {
	tests := []string{
		"file_write", "create_user", "update_config", "modify_settings",
		"send_email", "post_message", "upload_file", "deploy_app",
		"install_package", "connect_db", "put_object", "FILE_WRITE",
	}
	for _, name := range tests {
		t.Run(name, func(t *testing.T) {
			if got := ClassifyByName(name); got != HeuristicHigh {
				t.Errorf("ClassifyByName(%q) = %v, want %v", name, got, HeuristicHigh)
			}
		})
	}
}

func TestClassifyByName_Medium(t *testing.T) {
	tests := []string{
		"fetch_data", "download_file", "export_report", "query_users",
		"search_users", "get_user_info", "FETCH_DATA",
	}
	for _, name := range tests {
		t.Run(name, func(t *testing.T) {
			if got := ClassifyByName(name); got != HeuristicMedium {
				t.Errorf("ClassifyByName(%q) = %v, want %v", name, got, HeuristicMedium)
			}
		})
	}
}

func TestClassifyByName_Low(t *testing.T) {
	tests := []string{
		"list_files", "status_check", "echo", "help", "version",
		"system_info", "ping", "health_check",
	}
	for _, name := range tests {
		t.Run(name, func(t *testing.T) {
			if got := ClassifyByName(name); got != HeuristicLow {
				t.Errorf("ClassifyByName(%q) = %v, want %v", name, got, HeuristicLow)
			}
		})
	}
}

func TestClassifyByName_PriorityOrder(t *testing.T) {
	t.Run("delete_and_create should be CRITICAL", func(t *testing.T) {
		if got := ClassifyByName("delete_and_create"); got != HeuristicCritical {
			t.Errorf("got %v, want CRITICAL (wins over HIGH)", got)
		}
	})
	t.Run("create_query should be HIGH", func(t *testing.T) {
		if got := ClassifyByName("create_query"); got != HeuristicHigh {
			t.Errorf("got %v, want HIGH (wins over MEDIUM)", got)
		}
	})
	t.Run("list_and_get should be MEDIUM", func(t *testing.T) {
		if got := ClassifyByName("list_and_get"); got != HeuristicMedium {
			t.Errorf("got %v, want MEDIUM (wins over LOW)", got)
		}
	})
}

func TestHeuristicRisk_ToPolicyRisk(t *testing.T) {
	cases := map[HeuristicRisk]RiskLevel{
		HeuristicLow:      RiskSafe,
		HeuristicMedium:   RiskSensitive,
		HeuristicHigh:     RiskDangerous,
		HeuristicCritical: RiskDangerous,
	}
	for h, want := range cases {
		if got := h.ToPolicyRisk(); got != want {
			t.Errorf("%v.ToPolicyRisk() = %v, want %v", h, got, want)
		}
	}
}

func TestClassifyTools_BulkClassification(t *testing.T) {
	input := []WireTool{
		{Name: "file_delete"},
		{Name: "create_user"},
		{Name: "fetch_data"},
		{Name: "list_files"},
	}

	result := ClassifyTools(input)

	if len(result) != len(input) {
		t.Fatalf("ClassifyTools returned %d entries, want %d", len(result), len(input))
	}

	expected := map[string]HeuristicRisk{
		"file_delete": HeuristicCritical,
		"create_user": HeuristicHigh,
		"fetch_data":  HeuristicMedium,
		"list_files":  HeuristicLow,
	}
	for name, want := range expected {
		if result[name] != want {
			t.Errorf("result[%q] = %v, want %v", name, result[name], want)
		}
	}
}

func TestClassifyTools_EmptySlice(t *testing.T) {
	result := ClassifyTools([]WireTool{})
	if result == nil {
		t.Error("ClassifyTools(empty) returned nil, want empty map")
	}
	if len(result) != 0 {
		t.Errorf("ClassifyTools(empty) returned %d entries, want 0", len(result))
	}
}
